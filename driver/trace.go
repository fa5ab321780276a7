package driver

import (
	"strings"

	"github.com/spf13/viper"
)

// TraceFlags mirrors proton-c's pn_trace_t bitmask.
type TraceFlags uint8

const (
	// TraceRaw logs raw bytes moved across the wire.
	TraceRaw TraceFlags = 1 << 0
	// TraceFrm logs decoded transport frames.
	TraceFrm TraceFlags = 1 << 1
	// TraceDrv logs driver-level lifecycle events (listen/accept/connect/close).
	TraceDrv TraceFlags = 1 << 2
)

func (f TraceFlags) any() bool { return f != 0 }

// TraceConfig is the explicit, read-once-at-construction configuration the
// Design Notes call for in place of proton-c's ambient global trace flags
// (seeded from pn_env_bool("PN_TRACE_RAW") etc. at every pn_driver() call).
type TraceConfig struct {
	Raw bool
	Frm bool
	Drv bool
}

// Flags folds the config into the TraceFlags bitmask stored on a Driver/Connector.
func (c TraceConfig) Flags() TraceFlags {
	var f TraceFlags
	if c.Raw {
		f |= TraceRaw
	}
	if c.Frm {
		f |= TraceFrm
	}
	if c.Drv {
		f |= TraceDrv
	}
	return f
}

// traceEnvVars are the three trace booleans the driver recognizes. Any
// non-empty value other than "0", "false", "no" or "off" (case-insensitive,
// surrounding spaces ignored) sets the bit; those values, an empty value and
// absence leave it clear.
var traceEnvVars = [...]string{"TRACE_RAW", "TRACE_FRM", "TRACE_DRV"}

// LoadTraceConfig reads TRACE_RAW/TRACE_FRM/TRACE_DRV once, via viper bound
// directly to the process environment -- the same narrow, single-purpose use
// of viper that other_examples/manifests/bryk-io-pkg and
// other_examples/manifests/jmylchreest-tvarr make for environment-driven
// config, rather than hand-rolling os.Getenv parsing.
func LoadTraceConfig() TraceConfig {
	v := viper.New()
	for _, key := range traceEnvVars {
		_ = v.BindEnv(key)
	}
	return TraceConfig{
		Raw: envBool(v, "TRACE_RAW"),
		Frm: envBool(v, "TRACE_FRM"),
		Drv: envBool(v, "TRACE_DRV"),
	}
}

func envBool(v *viper.Viper, key string) bool {
	s := strings.TrimSpace(v.GetString(key))
	if s == "" {
		return false
	}
	switch strings.ToLower(s) {
	case "0", "false", "no", "off":
		return false
	default:
		return true
	}
}
