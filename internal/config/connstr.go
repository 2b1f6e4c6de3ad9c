package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/danmuck/sbtransport/internal/amqpconn"
)

// ConnectionString is a parsed namespace connection string of the form
// Endpoint=sb://ns.servicebus.windows.net/;SharedAccessKeyName=...;SharedAccessKey=...
type ConnectionString struct {
	Host                   string
	KeyName                string
	Key                    string
	SharedAccessSignature  string
	EntityPath             string
	UseDevelopmentEmulator bool
}

func ParseConnectionString(raw string) (ConnectionString, error) {
	var cs ConnectionString
	var endpoint string
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return ConnectionString{}, fmt.Errorf("%w: connection string segment %q has no value", ErrInvalidConfig, part)
		}
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "endpoint":
			endpoint = strings.TrimSpace(value)
		case "sharedaccesskeyname":
			cs.KeyName = value
		case "sharedaccesskey":
			cs.Key = value
		case "sharedaccesssignature":
			cs.SharedAccessSignature = value
		case "entitypath":
			cs.EntityPath = strings.Trim(value, "/")
		case "usedevelopmentemulator":
			emulator, err := strconv.ParseBool(strings.TrimSpace(value))
			if err != nil {
				return ConnectionString{}, fmt.Errorf("%w: UseDevelopmentEmulator: %v", ErrInvalidConfig, err)
			}
			cs.UseDevelopmentEmulator = emulator
		}
	}

	if endpoint == "" {
		return ConnectionString{}, fmt.Errorf("%w: connection string has no Endpoint", ErrInvalidConfig)
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return ConnectionString{}, fmt.Errorf("%w: connection string Endpoint %q is not a url", ErrInvalidConfig, endpoint)
	}
	cs.Host = u.Host

	hasKey := cs.KeyName != "" || cs.Key != ""
	switch {
	case hasKey && cs.SharedAccessSignature != "":
		return ConnectionString{}, fmt.Errorf("%w: connection string has both a key and a signature", ErrInvalidConfig)
	case hasKey && (cs.KeyName == "" || cs.Key == ""):
		return ConnectionString{}, fmt.Errorf("%w: connection string needs SharedAccessKeyName and SharedAccessKey", ErrInvalidConfig)
	case !hasKey && cs.SharedAccessSignature == "":
		return ConnectionString{}, fmt.Errorf("%w: connection string has no credentials", ErrInvalidConfig)
	}
	return cs, nil
}

// AMQPEndpoint is amqps://host, or amqp://host for the local emulator.
func (cs ConnectionString) AMQPEndpoint() string {
	if cs.UseDevelopmentEmulator {
		return "amqp://" + cs.Host
	}
	return amqpconn.EndpointFor(cs.Host)
}
