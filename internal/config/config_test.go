package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.yml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  name: test-agent
transport:
  kind: sim
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Pairing.ScanDuration != 120*time.Second {
		t.Errorf("scan duration = %s, want 120s", cfg.Pairing.ScanDuration)
	}
	if cfg.Pairing.FirstFrameWindow != 30*time.Second {
		t.Errorf("first frame window = %s, want 30s", cfg.Pairing.FirstFrameWindow)
	}
	if cfg.Pairing.FrameWindow != 60*time.Second {
		t.Errorf("frame window = %s, want 60s", cfg.Pairing.FrameWindow)
	}
	if cfg.Pairing.FrameHistory != 50 {
		t.Errorf("frame history = %d, want 50", cfg.Pairing.FrameHistory)
	}
	if cfg.Pairing.PasscodeMinLen != 8 {
		t.Errorf("passcode min len = %d, want 8", cfg.Pairing.PasscodeMinLen)
	}
	if cfg.Transport.Sim.FrameInterval != 2*time.Second {
		t.Errorf("sim frame interval = %s, want 2s", cfg.Transport.Sim.FrameInterval)
	}
	if cfg.Vehicle.ID == "" {
		t.Error("vehicle id not defaulted")
	}
	if cfg.API.Port != 8480 {
		t.Errorf("api port = %d, want 8480", cfg.API.Port)
	}
}

func TestLoadRejectsUnknownTransport(t *testing.T) {
	path := writeConfig(t, `
transport:
  kind: carrier-pigeon
`)

	if _, err := Load(path); err == nil {
		t.Fatal("Load() accepted unknown transport kind")
	}
}

func TestLoadRejectsTCPWithoutEndpoints(t *testing.T) {
	path := writeConfig(t, `
transport:
  kind: tcp
`)

	if _, err := Load(path); err == nil {
		t.Fatal("Load() accepted tcp transport with no endpoints")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ELD_TRANSPORT", "sim")
	t.Setenv("ELD_VEHICLE_ID", "truck-42")
	t.Setenv("LOG_LEVEL", "debug")

	path := writeConfig(t, `
transport:
  kind: tcp
  tcp:
    endpoints: ["127.0.0.1:9790"]
vehicle:
  id: truck-1
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Transport.Kind != "sim" {
		t.Errorf("transport kind = %s, want env override sim", cfg.Transport.Kind)
	}
	if cfg.Vehicle.ID != "truck-42" {
		t.Errorf("vehicle id = %s, want truck-42", cfg.Vehicle.ID)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %s, want debug", cfg.Log.Level)
	}
}

func TestBlueZDefaults(t *testing.T) {
	path := writeConfig(t, `
transport:
  kind: bluez
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Transport.BlueZ.Adapter != "hci0" {
		t.Errorf("adapter = %s, want hci0", cfg.Transport.BlueZ.Adapter)
	}
	if cfg.Transport.BlueZ.ServiceUUID != "0000ffe0-0000-1000-8000-00805f9b34fb" {
		t.Errorf("service uuid = %s", cfg.Transport.BlueZ.ServiceUUID)
	}
	if cfg.Transport.BlueZ.ConnectTimeout != 10*time.Second {
		t.Errorf("connect timeout = %s, want 10s", cfg.Transport.BlueZ.ConnectTimeout)
	}
}
