package telemetry

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusFatal    Status = "fatal"
	StatusUnknown  Status = "unknown"
)

const (
	MaxComponents   = 64
	MaxMessageLen   = 256
	MaxDetails      = 32
	MaxDetailKeyLen = 64
	MaxDetailValLen = 256
	MaxServiceLen   = 64
	MaxNodeIDLen    = 64

	MaxWarnings = 32
)

var ErrInvalidHealth = errors.New("telemetry: invalid health")

// HealthWarning captures a non-fatal normalization decision (truncation,
// dedupe, drop).
type HealthWarning struct {
	Code    string `json:"code"`
	Subject string `json:"subject,omitempty"`
	Message string `json:"message"`
}

// ComponentStatus describes a single subsystem check — for this engine, one
// of: identity, evidence store, and each of the five transport drivers.
type ComponentStatus struct {
	Name      string            `json:"name"`
	Status    Status            `json:"status"`
	CheckedAt time.Time         `json:"checked_at"`
	Message   string            `json:"message,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// HealthSnapshot is the full health document emitted by a running node.
type HealthSnapshot struct {
	Service     string            `json:"service"`
	NodeID      string            `json:"node_id,omitempty"`
	GeneratedAt time.Time         `json:"generated_at"`
	Overall     Status            `json:"overall"`
	Components  []ComponentStatus `json:"components"`
	Hash        string            `json:"hash"`

	Warnings []HealthWarning `json:"warnings,omitempty"`
}

// NewHealthSnapshot builds a normalized and validated snapshot. If now is
// zero, time.Now().UTC() is used.
func NewHealthSnapshot(service, nodeID string, comps []ComponentStatus, now time.Time) (HealthSnapshot, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	} else {
		now = now.UTC()
	}
	s := HealthSnapshot{
		Service:     strings.TrimSpace(service),
		NodeID:      strings.TrimSpace(nodeID),
		GeneratedAt: now,
		Components:  comps,
		Overall:     StatusUnknown,
	}
	if err := s.Normalize(); err != nil {
		return HealthSnapshot{}, err
	}
	if err := s.Validate(); err != nil {
		return HealthSnapshot{}, err
	}
	h, err := s.StableHash()
	if err != nil {
		return HealthSnapshot{}, err
	}
	s.Hash = h
	return s, nil
}

// Normalize enforces deterministic ordering and bounds, emitting warnings for
// truncations, dropped invalid detail entries, and deduped component names.
func (s *HealthSnapshot) Normalize() error {
	s.Warnings = nil

	s.Service = strings.TrimSpace(s.Service)
	s.NodeID = strings.TrimSpace(s.NodeID)

	if len(s.Service) > MaxServiceLen {
		s.warn("truncate.service", "service", fmt.Sprintf("service truncated to %d bytes", MaxServiceLen))
		s.Service = s.Service[:MaxServiceLen]
	}
	if len(s.NodeID) > MaxNodeIDLen {
		s.warn("truncate.node_id", "node_id", fmt.Sprintf("node_id truncated to %d bytes", MaxNodeIDLen))
		s.NodeID = s.NodeID[:MaxNodeIDLen]
	}
	if s.GeneratedAt.IsZero() {
		s.GeneratedAt = time.Now().UTC()
	} else {
		s.GeneratedAt = s.GeneratedAt.UTC()
	}

	if len(s.Components) > MaxComponents {
		tmp := append([]ComponentStatus(nil), s.Components...)
		sort.SliceStable(tmp, func(i, j int) bool {
			return strings.ToLower(strings.TrimSpace(tmp[i].Name)) < strings.ToLower(strings.TrimSpace(tmp[j].Name))
		})
		s.warn("truncate.components", "components", fmt.Sprintf("components truncated to %d entries", MaxComponents))
		s.Components = tmp[:MaxComponents]
	}

	for i := range s.Components {
		c := &s.Components[i]
		c.Name = strings.TrimSpace(c.Name)
		c.Message = strings.TrimSpace(c.Message)

		if len(c.Name) > MaxServiceLen {
			s.warn("truncate.component_name", c.Name, fmt.Sprintf("component name truncated to %d bytes", MaxServiceLen))
			c.Name = c.Name[:MaxServiceLen]
		}
		if len(c.Message) > MaxMessageLen {
			s.warn("truncate.component_message", c.Name, fmt.Sprintf("component message truncated to %d bytes", MaxMessageLen))
			c.Message = c.Message[:MaxMessageLen]
		}
		if c.CheckedAt.IsZero() {
			c.CheckedAt = s.GeneratedAt
		} else {
			c.CheckedAt = c.CheckedAt.UTC()
		}
		c.Status = normalizeStatus(c.Status)

		if c.Details != nil {
			keys := make([]string, 0, len(c.Details))
			for k := range c.Details {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			clean := make(map[string]string, len(c.Details))
			for _, k := range keys {
				k2 := strings.ToLower(strings.TrimSpace(k))
				if k2 == "" || len(k2) > MaxDetailKeyLen || hasCtl(k2) {
					s.warn("drop.detail_key", c.Name, "dropped invalid detail key")
					continue
				}
				v := strings.TrimSpace(c.Details[k])
				if hasCtl(v) {
					s.warn("drop.detail_value_ctl", c.Name, "dropped detail value containing control chars")
					continue
				}
				if len(v) > MaxDetailValLen {
					s.warn("truncate.detail_value", c.Name, fmt.Sprintf("detail value truncated to %d bytes", MaxDetailValLen))
					v = v[:MaxDetailValLen]
				}
				clean[k2] = v
				if len(clean) >= MaxDetails {
					s.warn("truncate.details", c.Name, fmt.Sprintf("details truncated to %d entries", MaxDetails))
					break
				}
			}
			if len(clean) == 0 {
				c.Details = nil
			} else {
				c.Details = clean
			}
		}
	}

	sort.SliceStable(s.Components, func(i, j int) bool {
		ai := strings.ToLower(strings.TrimSpace(s.Components[i].Name))
		aj := strings.ToLower(strings.TrimSpace(s.Components[j].Name))
		if ai != aj {
			return ai < aj
		}
		return statusRank(s.Components[i].Status) > statusRank(s.Components[j].Status)
	})

	if len(s.Components) > 1 {
		out := make([]ComponentStatus, 0, len(s.Components))
		seen := make(map[string]bool, len(s.Components))
		for _, c := range s.Components {
			key := strings.ToLower(strings.TrimSpace(c.Name))
			if key == "" {
				continue
			}
			if seen[key] {
				s.warn("dedupe.component", c.Name, "duplicate component name deduped (kept first)")
				continue
			}
			seen[key] = true
			out = append(out, c)
		}
		s.Components = out
	}

	overall := StatusUnknown
	for i := range s.Components {
		if statusRank(s.Components[i].Status) > statusRank(overall) {
			overall = s.Components[i].Status
		}
	}
	s.Overall = normalizeStatus(overall)

	if len(s.Warnings) > MaxWarnings {
		s.Warnings = s.Warnings[:MaxWarnings]
	}
	return nil
}

func (s *HealthSnapshot) warn(code, subject, msg string) {
	if len(s.Warnings) >= MaxWarnings {
		return
	}
	s.Warnings = append(s.Warnings, HealthWarning{
		Code:    strings.TrimSpace(code),
		Subject: strings.TrimSpace(subject),
		Message: strings.TrimSpace(msg),
	})
}

func (s HealthSnapshot) Validate() error {
	if strings.TrimSpace(s.Service) == "" {
		return fmt.Errorf("%w: service required", ErrInvalidHealth)
	}
	if len(s.Service) > MaxServiceLen {
		return fmt.Errorf("%w: service too long", ErrInvalidHealth)
	}
	if len(s.NodeID) > MaxNodeIDLen {
		return fmt.Errorf("%w: node_id too long", ErrInvalidHealth)
	}
	if s.GeneratedAt.IsZero() {
		return fmt.Errorf("%w: generated_at required", ErrInvalidHealth)
	}
	if len(s.Warnings) > MaxWarnings {
		return fmt.Errorf("%w: too many warnings", ErrInvalidHealth)
	}
	if len(s.Components) == 0 {
		if normalizeStatus(s.Overall) != StatusUnknown {
			return fmt.Errorf("%w: overall must be unknown when no components", ErrInvalidHealth)
		}
		return nil
	}
	if len(s.Components) > MaxComponents {
		return fmt.Errorf("%w: too many components", ErrInvalidHealth)
	}

	seen := make(map[string]bool, len(s.Components))
	for i := range s.Components {
		c := s.Components[i]
		if strings.TrimSpace(c.Name) == "" {
			return fmt.Errorf("%w: component[%d] name required", ErrInvalidHealth, i)
		}
		key := strings.ToLower(strings.TrimSpace(c.Name))
		if seen[key] {
			return fmt.Errorf("%w: duplicate component name %q", ErrInvalidHealth, c.Name)
		}
		seen[key] = true

		if c.CheckedAt.IsZero() {
			return fmt.Errorf("%w: component[%d] checked_at required", ErrInvalidHealth, i)
		}
		if c.Status != StatusOK && c.Status != StatusDegraded && c.Status != StatusFatal && c.Status != StatusUnknown {
			return fmt.Errorf("%w: component[%d] invalid status", ErrInvalidHealth, i)
		}
		if len(c.Message) > MaxMessageLen {
			return fmt.Errorf("%w: component[%d] message too long", ErrInvalidHealth, i)
		}
		if c.Details != nil && len(c.Details) > MaxDetails {
			return fmt.Errorf("%w: component[%d] too many details", ErrInvalidHealth, i)
		}
	}
	return nil
}

// StableHash returns a deterministic sha256 over the normalized snapshot.
// Warnings are excluded: the hash represents health state, not normalization
// artifacts.
func (s HealthSnapshot) StableHash() (string, error) {
	if err := s.Validate(); err != nil {
		return "", err
	}

	h := sha256.New()
	write := func(x string) {
		_, _ = h.Write([]byte(x))
		_, _ = h.Write([]byte{0})
	}
	write(s.Service)
	write(s.NodeID)
	write(s.GeneratedAt.UTC().Format(time.RFC3339Nano))
	write(string(s.Overall))

	for _, c := range s.Components {
		write("c")
		write(c.Name)
		write(string(c.Status))
		write(c.CheckedAt.UTC().Format(time.RFC3339Nano))
		write(c.Message)

		if c.Details != nil {
			keys := make([]string, 0, len(c.Details))
			for k := range c.Details {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				write("d:" + k)
				write(c.Details[k])
			}
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func normalizeStatus(s Status) Status {
	switch Status(strings.ToLower(strings.TrimSpace(string(s)))) {
	case StatusOK:
		return StatusOK
	case StatusDegraded:
		return StatusDegraded
	case StatusFatal:
		return StatusFatal
	default:
		return StatusUnknown
	}
}

// statusRank defines deterministic precedence; higher means worse.
func statusRank(s Status) int {
	switch normalizeStatus(s) {
	case StatusFatal:
		return 4
	case StatusDegraded:
		return 3
	case StatusOK:
		return 2
	default:
		return 1
	}
}

func hasCtl(s string) bool {
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return true
		}
	}
	return false
}

// MarshalJSON keeps details as an object but with sorted keys, so the same
// snapshot always serializes to the same bytes.
func (c ComponentStatus) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	writeKV := func(key string, val []byte, comma bool) {
		if comma {
			buf.WriteByte(',')
		}
		kb, _ := json.Marshal(key)
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(val)
	}

	nb, _ := json.Marshal(c.Name)
	writeKV("name", nb, false)

	sb, _ := json.Marshal(string(c.Status))
	writeKV("status", sb, true)

	cb, _ := json.Marshal(c.CheckedAt)
	writeKV("checked_at", cb, true)

	if c.Message != "" {
		mb, _ := json.Marshal(c.Message)
		writeKV("message", mb, true)
	}

	if len(c.Details) > 0 {
		buf.WriteByte(',')
		kb, _ := json.Marshal("details")
		buf.Write(kb)
		buf.WriteByte(':')
		buf.WriteByte('{')

		keys := make([]string, 0, len(c.Details))
		for k := range c.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kk, _ := json.Marshal(k)
			vv, _ := json.Marshal(c.Details[k])
			buf.Write(kk)
			buf.WriteByte(':')
			buf.Write(vv)
		}
		buf.WriteByte('}')
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (s HealthSnapshot) MarshalJSON() ([]byte, error) {
	type alias struct {
		Service     string            `json:"service"`
		NodeID      string            `json:"node_id,omitempty"`
		GeneratedAt time.Time         `json:"generated_at"`
		Overall     Status            `json:"overall"`
		Components  []ComponentStatus `json:"components"`
		Hash        string            `json:"hash"`
		Warnings    []HealthWarning   `json:"warnings,omitempty"`
	}
	a := alias{
		Service:     s.Service,
		NodeID:      s.NodeID,
		GeneratedAt: s.GeneratedAt,
		Overall:     s.Overall,
		Components:  s.Components,
		Hash:        s.Hash,
		Warnings:    s.Warnings,
	}
	return json.Marshal(a)
}
