package sip

import "time"

// Default values for SIP timers as described in RFC 3261.
const (
	// T1 is the message RTT estimate.
	T1 = 500 * time.Millisecond
	// T2 is the maximum retransmit interval for non-INVITE requests and INVITE responses.
	T2 = 4 * time.Second
	// T4 is the maximum duration a message will remain in the network.
	T4 = 5 * time.Second
	// TimeD is the wait duration for response retransmits via unreliable transport.
	TimeD = 32 * time.Second
	// Time100 is the timeout for the automatic 100 Trying response on INVITE.
	Time100 = 200 * time.Millisecond
)

// TimingConfig configures the base SIP timer values of RFC 3261.
// A zero field falls back to the corresponding default [T1], [T2], [T4],
// [TimeD], [Time100]. All other timers are derived from these values.
type TimingConfig struct {
	T1      time.Duration `json:"t1,omitempty"`
	T2      time.Duration `json:"t2,omitempty"`
	T4      time.Duration `json:"t4,omitempty"`
	TimeD   time.Duration `json:"time_d,omitempty"`
	Time100 time.Duration `json:"time_100,omitempty"`
}

// NewTimings creates a new SIP timing config with the given base values.
func NewTimings(t1, t2, t4, timeD, time100 time.Duration) TimingConfig {
	return TimingConfig{t1, t2, t4, timeD, time100}
}

func orDef(d, def time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	return d
}

func (c TimingConfig) t1() time.Duration { return orDef(c.T1, T1) }
func (c TimingConfig) t2() time.Duration { return orDef(c.T2, T2) }
func (c TimingConfig) t4() time.Duration { return orDef(c.T4, T4) }

// BaseT1 returns the effective T1 value.
func (c TimingConfig) BaseT1() time.Duration { return c.t1() }

// BaseT2 returns the effective T2 value.
func (c TimingConfig) BaseT2() time.Duration { return c.t2() }

// BaseT4 returns the effective T4 value.
func (c TimingConfig) BaseT4() time.Duration { return c.t4() }

// Wait100 returns the timeout before an INVITE server transaction sends
// 100 Trying on its own.
func (c TimingConfig) Wait100() time.Duration { return orDef(c.Time100, Time100) }

// TimeA returns the initial INVITE request retransmit interval for unreliable transport.
func (c TimingConfig) TimeA() time.Duration { return c.t1() }

// TimeB returns the INVITE client transaction timeout.
func (c TimingConfig) TimeB() time.Duration { return 64 * c.t1() }

// TimeC returns the proxy INVITE transaction timeout.
func (c TimingConfig) TimeC() time.Duration { return 600 * c.t1() }

// WaitD returns the wait duration for response retransmits via unreliable transport.
func (c TimingConfig) WaitD() time.Duration { return orDef(c.TimeD, TimeD) }

// TimeE returns the initial non-INVITE request retransmit interval for unreliable transport.
func (c TimingConfig) TimeE() time.Duration { return c.t1() }

// TimeF returns the non-INVITE client transaction timeout.
func (c TimingConfig) TimeF() time.Duration { return 64 * c.t1() }

// TimeG returns the initial INVITE response retransmit interval.
func (c TimingConfig) TimeG() time.Duration { return c.t1() }

// TimeH returns the timeout for ACK receipt.
func (c TimingConfig) TimeH() time.Duration { return 64 * c.t1() }

// TimeI returns the wait duration for ACK retransmits via unreliable transport.
func (c TimingConfig) TimeI() time.Duration { return c.t4() }

// TimeJ returns the wait duration for non-INVITE request retransmits via unreliable transport.
func (c TimingConfig) TimeJ() time.Duration { return 64 * c.t1() }

// TimeK returns the wait duration for response retransmits via unreliable transport.
func (c TimingConfig) TimeK() time.Duration { return c.t4() }

// TimeL returns the wait duration for accepted INVITE request retransmits (RFC 6026).
func (c TimingConfig) TimeL() time.Duration { return 64 * c.t1() }

// TimeM returns the wait duration for 2xx retransmits and additional 2xx
// from other branches of a forked INVITE (RFC 6026).
func (c TimingConfig) TimeM() time.Duration { return 64 * c.t1() }

// IsZero reports whether all base values are unset.
func (c TimingConfig) IsZero() bool { return c == TimingConfig{} }
