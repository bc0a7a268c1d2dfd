package config

import "testing"

func TestDefaultLeavesEnvUntouched(t *testing.T) {
	cfg, err := FromEnv(Default())
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.MQTTHost != "localhost" || cfg.MQTTPort != 8883 {
		t.Errorf("cfg = %+v, want unmodified defaults", cfg)
	}
}

func TestFromEnvOverlaysRecognizedVars(t *testing.T) {
	t.Setenv("MQTT_HOST", "broker.example.com")
	t.Setenv("MQTT_PORT", "1883")
	t.Setenv("MQTT_TLS", "false")
	t.Setenv("RETRANSMIT_MAX", "5")
	t.Setenv("MAX_IMAGE_BYTES", "4194304")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := FromEnv(Default())
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}

	if cfg.MQTTHost != "broker.example.com" {
		t.Errorf("MQTTHost = %q, want broker.example.com", cfg.MQTTHost)
	}
	if cfg.MQTTPort != 1883 {
		t.Errorf("MQTTPort = %d, want 1883", cfg.MQTTPort)
	}
	if cfg.MQTTTLS {
		t.Error("MQTTTLS = true, want false")
	}
	if cfg.RetransmitMax != 5 {
		t.Errorf("RetransmitMax = %d, want 5", cfg.RetransmitMax)
	}
	if cfg.MaxImageBytes != 4194304 {
		t.Errorf("MaxImageBytes = %d, want 4194304", cfg.MaxImageBytes)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}

	// Unset variables must leave the baseline value untouched.
	if cfg.StorageBucket != Default().StorageBucket {
		t.Errorf("StorageBucket = %q, want unchanged default", cfg.StorageBucket)
	}
}

func TestFromEnvRejectsInvalidIntegers(t *testing.T) {
	t.Setenv("MQTT_PORT", "not-a-port")
	if _, err := FromEnv(Default()); err == nil {
		t.Fatal("expected error for invalid MQTT_PORT")
	}
}

func TestFromEnvRejectsInvalidBool(t *testing.T) {
	t.Setenv("MQTT_TLS", "maybe")
	if _, err := FromEnv(Default()); err == nil {
		t.Fatal("expected error for invalid MQTT_TLS")
	}
}
