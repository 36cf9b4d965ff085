package gateway

import (
	"fmt"
	"strings"
)

// Topic filters subscribed on connect.
const (
	commandFilter = "iot-2/cmd/+/fmt/+"
	actionFilter  = "iotdm-1/mgmt/initiate/#"

	// actionResponseTopic carries acknowledgements for management actions.
	actionResponseTopic = "iotdm-1/response"
)

// Management initiation topics, matched as suffixes of actionFilter.
const (
	actionTopicReboot           = "iotdm-1/mgmt/initiate/device/reboot"
	actionTopicFactoryReset     = "iotdm-1/mgmt/initiate/device/factory_reset"
	actionTopicFirmwareDownload = "iotdm-1/mgmt/initiate/firmware/download"
	actionTopicFirmwareUpdate   = "iotdm-1/mgmt/initiate/firmware/update"
)

// eventTopic builds the publish topic for an outbound event message.
func eventTopic(event, format string) string {
	return fmt.Sprintf("iot-2/evt/%s/fmt/%s", event, format)
}

// parseCommandTopic extracts the command name and payload format from an
// inbound command topic (iot-2/cmd/{name}/fmt/{format}).
func parseCommandTopic(topic string) (name, format string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 5 || parts[0] != "iot-2" || parts[1] != "cmd" || parts[3] != "fmt" {
		return "", "", false
	}
	return parts[2], parts[4], true
}

// clientID builds the device client identifier for the connection.
func clientID(creds Credentials) string {
	return fmt.Sprintf("d:%s:%s:%s", creds.Org, creds.DeviceType, creds.DeviceID)
}

// brokerURL builds the broker address for the device's organization.
func brokerURL(creds Credentials, domain string, port int, useTLS bool) string {
	scheme := "tcp"
	if useTLS {
		scheme = "ssl"
	}
	host := domain
	if creds.Domain != "" {
		host = creds.Domain
	}
	return fmt.Sprintf("%s://%s.%s:%d", scheme, creds.Org, host, port)
}
