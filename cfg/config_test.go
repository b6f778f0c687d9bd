package cfg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/anor-rs/anor-cluster/topology"
)

func TestValidate_ValidConfig(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = Default()
	Config.Cluster.AdvertiseAddress = "10.0.0.1:7311"

	if err := Validate(); err != nil {
		t.Errorf("Expected no error for valid config, got: %v", err)
	}

	want := uint64(topology.NodeIDFromAddress("10.0.0.1:7311"))
	if Config.NodeID != want {
		t.Errorf("Expected node ID derived from address %d, got %d", want, Config.NodeID)
	}
}

func TestValidate_KeepsExplicitNodeID(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = Default()
	Config.NodeID = 42
	Config.Cluster.AdvertiseAddress = "10.0.0.1:7311"

	if err := Validate(); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if Config.NodeID != 42 {
		t.Errorf("Expected node ID 42, got %d", Config.NodeID)
	}
}

func TestValidate_FillsAdvertiseAddress(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = Default()
	Config.Cluster.Port = 9100

	if err := Validate(); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if Config.Cluster.AdvertiseAddress == "" {
		t.Error("Expected advertise address to be filled")
	}
	if Config.NodeID == 0 {
		t.Error("Expected node ID to be derived")
	}
}

func TestValidate_InvalidPort(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	for _, port := range []int{-1, 0, 70000} {
		Config = Default()
		Config.Cluster.Port = port

		if err := Validate(); err == nil {
			t.Errorf("Expected error for invalid port %d", port)
		}
	}
}

func TestValidate_InvalidRedundancy(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	cases := []RedundancyConfiguration{
		{Strategy: "normal", ReplicaMin: 0, ReplicaMax: 1, MigrationTimeoutMS: 1},
		{Strategy: "normal", ReplicaMin: 3, ReplicaMax: 2, MigrationTimeoutMS: 1},
		{Strategy: "careless", ReplicaMin: 1, ReplicaMax: 1, MigrationTimeoutMS: 1},
	}

	for _, rc := range cases {
		Config = Default()
		Config.Cluster.AdvertiseAddress = "127.0.0.1:7311"
		Config.Redundancy = rc

		if err := Validate(); err == nil {
			t.Errorf("Expected error for redundancy %+v", rc)
		}
	}
}

func TestValidate_InvalidClusterSettings(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	mutations := map[string]func(c *Configuration){
		"misses":    func(c *Configuration) { c.Cluster.SuspectAfterMisses = 0 },
		"jitter":    func(c *Configuration) { c.Cluster.HeartbeatJitter = 1.5 },
		"fanout":    func(c *Configuration) { c.Cluster.GossipFanout = 0 },
		"tokens":    func(c *Configuration) { c.Cluster.TokensPerWeight = 0 },
		"hash":      func(c *Configuration) { c.Cluster.Hash = "md5" },
		"threads":   func(c *Configuration) { c.Node.ThreadsMax = 0 },
		"publisher": func(c *Configuration) {
			c.Publisher.Enabled = true
			c.Publisher.Sink = "http"
		},
	}

	for name, mutate := range mutations {
		Config = Default()
		Config.Cluster.AdvertiseAddress = "127.0.0.1:7311"
		mutate(Config)

		if err := Validate(); err == nil {
			t.Errorf("Expected error for %s", name)
		}
	}
}

func TestLoad_NonExistentFile(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tempDir := filepath.Join(t.TempDir(), "data")
	Config = Default()
	Config.DataDir = tempDir

	if err := Load("non-existent-file.toml"); err != nil {
		t.Errorf("Expected no error for non-existent file, got: %v", err)
	}

	if Config.Cluster.Port != 7311 {
		t.Errorf("Expected default port, got %d", Config.Cluster.Port)
	}
}

func TestLoad_CreateDataDir(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tempDir := filepath.Join(t.TempDir(), "nested", "data")
	Config = Default()
	Config.DataDir = tempDir

	if err := Load(""); err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}

	if _, err := os.Stat(tempDir); os.IsNotExist(err) {
		t.Error("Data directory was not created")
	}
}

func TestLoad_TOMLWithEnvExpansion(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	dir := t.TempDir()
	t.Setenv("ANOR_TEST_SEED", "10.1.1.1:7311")

	path := filepath.Join(dir, "anor.toml")
	content := `
data_dir = "` + filepath.Join(dir, "data") + `"

[node]
ram_max = 2048
threads_max = 4

[cluster]
port = 7400
seed_nodes = ["${ANOR_TEST_SEED}"]

[redundancy]
strategy = "paranoid"
replica_min = 1
replica_max = 2
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	Config = Default()
	if err := Load(path); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if Config.Cluster.Port != 7400 {
		t.Errorf("Expected port 7400, got %d", Config.Cluster.Port)
	}
	if len(Config.Cluster.SeedNodes) != 1 || Config.Cluster.SeedNodes[0] != "10.1.1.1:7311" {
		t.Errorf("Expected expanded seed, got %v", Config.Cluster.SeedNodes)
	}
	if Config.Node.RAMMax != 2048 || Config.Node.ThreadsMax != 4 {
		t.Errorf("Unexpected node section: %+v", Config.Node)
	}
	// untouched keys keep their defaults
	if Config.Cluster.GossipFanout != 3 {
		t.Errorf("Expected default fanout, got %d", Config.Cluster.GossipFanout)
	}

	policy, err := Config.RedundancyPolicy()
	if err != nil {
		t.Fatalf("Expected valid policy, got: %v", err)
	}
	if policy.Strategy != topology.StrategyParanoid {
		t.Errorf("Expected paranoid, got %s", policy.Strategy)
	}
}

func TestLoad_YAML(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	dir := t.TempDir()
	t.Setenv("ANOR_TEST_PORT", "7500")

	path := filepath.Join(dir, "anor-config.yaml")
	content := `
data_dir: ` + filepath.Join(dir, "data") + `
cluster:
  port: ${ANOR_TEST_PORT}
  advertise_address: "node-a:7500"
  seed_nodes:
    - "node-b:7500"
redundancy:
  strategy: maximum
  replica_min: 1
  replica_max: 3
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	Config = Default()
	if err := Load(path); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if Config.Cluster.Port != 7500 {
		t.Errorf("Expected port 7500, got %d", Config.Cluster.Port)
	}
	if Config.Redundancy.Strategy != "maximum" {
		t.Errorf("Expected maximum strategy, got %s", Config.Redundancy.Strategy)
	}

	desc := Config.LocalDescriptor()
	if desc.Address != "node-a:7500" {
		t.Errorf("Expected advertise address in descriptor, got %s", desc.Address)
	}
}

func TestLoad_CLIOverrides(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tempDir := filepath.Join(t.TempDir(), "override")

	*DataDirFlag = tempDir
	*NodeIDFlag = 12345
	*PortFlag = 9999
	*SeedFlag = "a:1, b:2,"

	defer func() {
		*DataDirFlag = ""
		*NodeIDFlag = 0
		*PortFlag = 0
		*SeedFlag = ""
	}()

	Config = Default()

	if err := Load(""); err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}

	if Config.DataDir != tempDir {
		t.Errorf("Expected data dir %s, got %s", tempDir, Config.DataDir)
	}
	if Config.NodeID != 12345 {
		t.Errorf("Expected node ID 12345, got %d", Config.NodeID)
	}
	if Config.Cluster.Port != 9999 {
		t.Errorf("Expected port 9999, got %d", Config.Cluster.Port)
	}
	if len(Config.Cluster.SeedNodes) != 2 || Config.Cluster.SeedNodes[1] != "b:2" {
		t.Errorf("Expected two seeds, got %v", Config.Cluster.SeedNodes)
	}
}

func BenchmarkValidate(b *testing.B) {
	original := Config
	defer func() { Config = original }()

	Config = Default()
	Config.Cluster.AdvertiseAddress = "127.0.0.1:7311"

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Validate()
	}
}
