package gateway

import "testing"

func TestEventTopic(t *testing.T) {
	got := eventTopic("status", "json")
	want := "iot-2/evt/status/fmt/json"
	if got != want {
		t.Errorf("eventTopic() = %q, want %q", got, want)
	}
}

func TestParseCommandTopic(t *testing.T) {
	tests := []struct {
		name       string
		topic      string
		wantName   string
		wantFormat string
		wantOK     bool
	}{
		{
			name:       "valid command topic",
			topic:      "iot-2/cmd/setTemperature/fmt/json",
			wantName:   "setTemperature",
			wantFormat: "json",
			wantOK:     true,
		},
		{
			name:   "wrong prefix",
			topic:  "iot-2/evt/status/fmt/json",
			wantOK: false,
		},
		{
			name:   "too few segments",
			topic:  "iot-2/cmd/setTemperature",
			wantOK: false,
		},
		{
			name:   "management topic",
			topic:  "iotdm-1/mgmt/initiate/device/reboot",
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name, format, ok := parseCommandTopic(tt.topic)
			if ok != tt.wantOK {
				t.Fatalf("parseCommandTopic(%q) ok = %v, want %v", tt.topic, ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if name != tt.wantName || format != tt.wantFormat {
				t.Errorf("parseCommandTopic(%q) = (%q, %q), want (%q, %q)",
					tt.topic, name, format, tt.wantName, tt.wantFormat)
			}
		})
	}
}

func TestClientID(t *testing.T) {
	creds := Credentials{Org: "abc123", DeviceType: "washer", DeviceID: "w-001", Token: "secret"}
	got := clientID(creds)
	want := "d:abc123:washer:w-001"
	if got != want {
		t.Errorf("clientID() = %q, want %q", got, want)
	}
}

func TestBrokerURL(t *testing.T) {
	creds := Credentials{Org: "abc123", DeviceID: "w-001", Token: "secret"}

	if got := brokerURL(creds, "messaging.example.com", 1883, false); got != "tcp://abc123.messaging.example.com:1883" {
		t.Errorf("brokerURL() = %q", got)
	}
	if got := brokerURL(creds, "messaging.example.com", 8883, true); got != "ssl://abc123.messaging.example.com:8883" {
		t.Errorf("brokerURL() with TLS = %q", got)
	}

	// Per-device domain override wins over the configured domain.
	creds.Domain = "other.example.com"
	if got := brokerURL(creds, "messaging.example.com", 1883, false); got != "tcp://abc123.other.example.com:1883" {
		t.Errorf("brokerURL() with override = %q", got)
	}
}

func TestCredentialsValid(t *testing.T) {
	tests := []struct {
		name  string
		creds Credentials
		want  bool
	}{
		{"complete", Credentials{Org: "o", DeviceType: "t", DeviceID: "d", Token: "k"}, true},
		{"missing type is fine", Credentials{Org: "o", DeviceID: "d", Token: "k"}, true},
		{"missing org", Credentials{DeviceID: "d", Token: "k"}, false},
		{"missing device id", Credentials{Org: "o", Token: "k"}, false},
		{"missing token", Credentials{Org: "o", DeviceID: "d"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.creds.Valid(); got != tt.want {
				t.Errorf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}
}
