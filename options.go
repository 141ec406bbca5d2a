package mesosched

import (
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

const (
	// DefaultMasterHost is used when master_hosts is not supplied.
	DefaultMasterHost = "localhost:5050"

	// DefaultHeartbeatTimeoutWindow is added to the master-supplied
	// heartbeat interval before the watchdog expires.
	DefaultHeartbeatTimeoutWindow = 5000

	// DefaultMaxNumResubscribe bounds resubscribe attempts since the last
	// successful subscription.
	DefaultMaxNumResubscribe = 1

	// DefaultResubscribeInterval is the spacing, in milliseconds, between
	// resubscribe attempts.
	DefaultResubscribeInterval = 0

	// MaxRedirect bounds 307 redirects consumed on a single subscription
	// attempt cycle before failing over to the next candidate master.
	MaxRedirect = 5

	// Infinite marks max_num_resubscribe as unbounded.
	Infinite = -1
)

// DataFormat selects the wire content type for scheduler calls and events.
type DataFormat string

const (
	DataFormatJSON     DataFormat = "json"
	DataFormatProtobuf DataFormat = "protobuf"
)

// Config is the validated, immutable configuration of a session.
type Config struct {
	MasterHosts            []string
	SubscribeReqOptions    map[string]interface{}
	HeartbeatTimeoutWindow int
	MaxNumResubscribe      int
	ResubscribeInterval    int
	DataFormat             DataFormat
}

// rawOptions is the loosely-typed staging shape mapstructure decodes the
// caller's flat option map into, before the per-field validators run.
type rawOptions struct {
	MasterHosts            interface{} `mapstructure:"master_hosts"`
	SubscribeReqOptions    interface{} `mapstructure:"subscribe_req_options"`
	HeartbeatTimeoutWindow interface{} `mapstructure:"heartbeat_timeout_window"`
	MaxNumResubscribe      interface{} `mapstructure:"max_num_resubscribe"`
	ResubscribeInterval    interface{} `mapstructure:"resubscribe_interval"`
}

// ValidateOptions decodes a flat option map into a Config, running the
// per-field validators in a fixed order: master_hosts,
// subscribe_req_options, heartbeat_timeout_window, max_num_resubscribe,
// resubscribe_interval. It fails on the first offending option.
func ValidateOptions(options map[string]interface{}) (*Config, error) {
	if options == nil {
		options = map[string]interface{}{}
	}

	var raw rawOptions
	if err := mapstructure.Decode(options, &raw); err != nil {
		return nil, &BadOptionsError{Reason: errors.Wrap(err, "decode options")}
	}

	cfg := &Config{DataFormat: DataFormatJSON}

	hosts, err := validateMasterHosts(raw.MasterHosts)
	if err != nil {
		return nil, err
	}
	cfg.MasterHosts = hosts

	subOpts, err := validateSubscribeReqOptions(raw.SubscribeReqOptions)
	if err != nil {
		return nil, err
	}
	cfg.SubscribeReqOptions = subOpts

	window, err := validateNonNegativeInt("heartbeat_timeout_window", raw.HeartbeatTimeoutWindow, DefaultHeartbeatTimeoutWindow)
	if err != nil {
		return nil, err
	}
	cfg.HeartbeatTimeoutWindow = window

	maxResub, err := validateMaxNumResubscribe(raw.MaxNumResubscribe)
	if err != nil {
		return nil, err
	}
	cfg.MaxNumResubscribe = maxResub

	interval, err := validateNonNegativeInt("resubscribe_interval", raw.ResubscribeInterval, DefaultResubscribeInterval)
	if err != nil {
		return nil, err
	}
	cfg.ResubscribeInterval = interval

	return cfg, nil
}

func validateMasterHosts(v interface{}) ([]string, error) {
	if v == nil {
		return []string{DefaultMasterHost}, nil
	}

	list, ok := asSlice(v)
	if !ok {
		return nil, &BadOptionError{Option: "master_hosts", Value: v}
	}
	if len(list) == 0 {
		return nil, &BadOptionError{Option: "master_hosts", Value: v}
	}

	hosts := make([]string, 0, len(list))
	for _, elem := range list {
		host, ok := asString(elem)
		if !ok {
			return nil, &BadOptionError{Option: "master_hosts", Value: v}
		}
		hosts = append(hosts, host)
	}

	return hosts, nil
}

func validateSubscribeReqOptions(v interface{}) (map[string]interface{}, error) {
	if v == nil {
		return map[string]interface{}{}, nil
	}

	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, &BadOptionError{Option: "subscribe_req_options", Value: v}
	}

	// The adapter-level streaming options always win over any user value;
	// the session relies on all three to drive its own redirect/failover
	// handling rather than the adapter's.
	out := make(map[string]interface{}, len(m)+3)
	for k, val := range m {
		out[k] = val
	}
	out["async"] = "once"
	out["recv_timeout"] = "infinite"
	out["following_redirect"] = false

	return out, nil
}

func validateNonNegativeInt(option string, v interface{}, def int) (int, error) {
	if v == nil {
		return def, nil
	}

	n, ok := asInt(v)
	if !ok || n < 0 {
		return 0, &BadOptionError{Option: option, Value: v}
	}

	return n, nil
}

func validateMaxNumResubscribe(v interface{}) (int, error) {
	if v == nil {
		return DefaultMaxNumResubscribe, nil
	}

	if s, ok := v.(string); ok && s == "infinite" {
		return Infinite, nil
	}

	n, ok := asInt(v)
	if !ok || n < 0 {
		return 0, &BadOptionError{Option: "max_num_resubscribe", Value: v}
	}

	return n, nil
}

func asSlice(v interface{}) ([]interface{}, bool) {
	switch t := v.(type) {
	case []interface{}:
		return t, true
	case []string:
		out := make([]interface{}, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, true
	default:
		return nil, false
	}
}

func asString(v interface{}) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case []byte:
		return string(t), true
	default:
		return "", false
	}
}

func asInt(v interface{}) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int32:
		return int(t), true
	case int64:
		return int(t), true
	case float64:
		if t != float64(int(t)) {
			return 0, false
		}
		return int(t), true
	default:
		return 0, false
	}
}
