package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Signature computes a deterministic digest of the graph's semantic content:
// step ids, types, modes and configs plus the connection edges. Cosmetic
// fields (name, position) and the ordering of the input lists do not affect
// it, so it serves as a staleness check for pinned outputs.
func (g *Graph) Signature() string {
	stepDigests := make([]string, 0, len(g.Steps))
	for _, step := range g.Steps {
		stepDigests = append(stepDigests, step.ConfigSignature())
	}

	sort.Strings(stepDigests)

	edges := make([]string, 0, len(g.Connections))
	for _, conn := range g.Connections {
		edges = append(edges, fmt.Sprintf("%s:%s>%s:%s",
			conn.SourceStep, conn.FromPort(), conn.TargetStep, conn.ToPort()))
	}

	sort.Strings(edges)

	sum := sha256.New()
	for _, digest := range stepDigests {
		sum.Write([]byte(digest))
		sum.Write([]byte{'\n'})
	}

	for _, edge := range edges {
		sum.Write([]byte(edge))
		sum.Write([]byte{'\n'})
	}

	return hex.EncodeToString(sum.Sum(nil))
}

// ConfigSignature digests the step's execution-relevant fields. A pinned
// output recorded against this signature is invalidated when the step's
// config changes.
func (s *Step) ConfigSignature() string {
	// encoding/json sorts map keys, so the config serializes canonically.
	config, err := json.Marshal(s.Config)
	if err != nil {
		config = []byte(fmt.Sprintf("%v", s.Config))
	}

	payload := fmt.Sprintf("%s|%s|%s|%d|%s", s.ID, s.Type, s.Mode, s.BatchSize, config)
	sum := sha256.Sum256([]byte(payload))

	return hex.EncodeToString(sum[:])
}

// PinnedFresh reports whether the step's pinned output is still valid for the
// step's current configuration.
func (s *Step) PinnedFresh() bool {
	return s.Pinned != nil && s.Pinned.Signature == s.ConfigSignature()
}
