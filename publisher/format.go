package publisher

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/anor-rs/anor-cluster/encoding"
)

// JSONFormatter renders events as JSON documents
type JSONFormatter struct{}

func (JSONFormatter) Format(event Event) ([]byte, error) {
	return json.Marshal(event)
}

func (JSONFormatter) ContentType() string {
	return "application/json"
}

// MsgpackFormatter renders events with the cluster's msgpack encoding
type MsgpackFormatter struct{}

func (MsgpackFormatter) Format(event Event) ([]byte, error) {
	return encoding.Marshal(&event)
}

func (MsgpackFormatter) ContentType() string {
	return "application/msgpack"
}

var (
	formatters = map[string]Formatter{
		"":        JSONFormatter{},
		"json":    JSONFormatter{},
		"msgpack": MsgpackFormatter{},
	}
	formattersMu sync.RWMutex
)

// RegisterFormatter makes a formatter selectable by name
func RegisterFormatter(name string, f Formatter) {
	formattersMu.Lock()
	defer formattersMu.Unlock()
	formatters[name] = f
}

func formatterFor(name string) (Formatter, error) {
	formattersMu.RLock()
	defer formattersMu.RUnlock()
	f, ok := formatters[name]
	if !ok {
		return nil, fmt.Errorf("unknown format: %s", name)
	}
	return f, nil
}
