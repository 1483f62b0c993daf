package models

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	apperrors "github.com/Playaa93/application-saisie-fleetzen-sub000/internal/errors"
)

// LabelGroup is a family of numbered photo labels such as before-1, before-2.
type LabelGroup struct {
	Prefix string
	Min    int
}

// Requirement lists the attachments an intervention kind must carry.
type Requirement struct {
	Groups     []LabelGroup
	MinPhotos  int      // across all groups
	Positions  []string // exactly one photo each, nothing else allowed
	Signatures []string // exactly one each
}

// ConvoyPositions are the twelve fixed photo positions of a convoy report.
var ConvoyPositions = []string{
	"photo-front", "photo-rear", "photo-left", "photo-right",
	"photo-front-left", "photo-front-right", "photo-rear-left", "photo-rear-right",
	"photo-dashboard", "photo-interior-front", "photo-interior-rear", "photo-trunk",
}

// Requirements is shared by the encoder and the queue.
var Requirements = map[InterventionKind]Requirement{
	KindWashing: {
		Groups: []LabelGroup{{Prefix: "before", Min: 2}, {Prefix: "after", Min: 2}},
	},
	KindFuelDelivery: {
		Groups:    []LabelGroup{{Prefix: "ticket"}, {Prefix: "pump"}},
		MinPhotos: 1,
	},
	KindTankRefill: {
		Groups: []LabelGroup{{Prefix: "before", Min: 1}, {Prefix: "after", Min: 1}},
	},
	KindConvoy: {
		Positions:  ConvoyPositions,
		Signatures: []string{"signature-agent", "signature-client"},
	},
}

// RoleForLabel derives the attachment role from its label.
func RoleForLabel(label string) AttachmentRole {
	if strings.HasPrefix(label, "signature-") {
		return RoleSignature
	}
	return RolePhoto
}

// LabelAllowed reports whether label names a valid attachment slot for kind.
func LabelAllowed(kind InterventionKind, label string) bool {
	req, ok := Requirements[kind]
	if !ok {
		return false
	}
	if slices.Contains(req.Positions, label) || slices.Contains(req.Signatures, label) {
		return true
	}
	prefix, ok := numberedPrefix(label)
	return ok && hasGroup(req, prefix)
}

// numberedPrefix returns "before" for "before-3". ok is false when the
// suffix is not a positive integer.
func numberedPrefix(label string) (string, bool) {
	i := strings.LastIndexByte(label, '-')
	if i <= 0 {
		return "", false
	}
	n, err := strconv.Atoi(label[i+1:])
	if err != nil || n < 1 || label[i+1] == '0' {
		return "", false
	}
	return label[:i], true
}

// CheckAttachments validates attachment labels and counts for kind.
// Every problem is reported, keyed by "attachments" or
// "attachments.<prefix|label>".
func CheckAttachments(kind InterventionKind, labels []string) error {
	req, ok := Requirements[kind]
	if !ok {
		return apperrors.Newf(apperrors.ErrInvalid, "unknown intervention kind %q", kind)
	}

	problems := make(map[string]string)
	seen := make(map[string]bool, len(labels))
	groupCount := make(map[string]int)
	positions := make(map[string]bool)
	for _, p := range req.Positions {
		positions[p] = false
	}
	signatures := make(map[string]bool)
	for _, s := range req.Signatures {
		signatures[s] = false
	}

	var unexpected []string
	photos := 0
	for _, label := range labels {
		if label == "" {
			unexpected = append(unexpected, `""`)
			continue
		}
		if seen[label] {
			problems["attachments."+label] = "is duplicated"
			continue
		}
		seen[label] = true

		if _, ok := positions[label]; ok {
			positions[label] = true
			continue
		}
		if _, ok := signatures[label]; ok {
			signatures[label] = true
			continue
		}
		if prefix, ok := numberedPrefix(label); ok && hasGroup(req, prefix) {
			groupCount[prefix]++
			photos++
			continue
		}
		unexpected = append(unexpected, label)
	}

	if len(unexpected) > 0 {
		problems["attachments"] = "unexpected labels: " + strings.Join(unexpected, ", ")
	}
	for _, g := range req.Groups {
		if groupCount[g.Prefix] < g.Min {
			problems["attachments."+g.Prefix] = fmt.Sprintf("requires at least %d photos, got %d", g.Min, groupCount[g.Prefix])
		}
	}
	if photos < req.MinPhotos {
		names := make([]string, len(req.Groups))
		for i, g := range req.Groups {
			names[i] = g.Prefix
		}
		problems["attachments."+strings.Join(names, "|")] = fmt.Sprintf("requires at least %d photos, got %d", req.MinPhotos, photos)
	}
	for _, p := range req.Positions {
		if !positions[p] {
			problems["attachments."+p] = "is required"
		}
	}
	for _, s := range req.Signatures {
		if !signatures[s] {
			problems["attachments."+s] = "is required"
		}
	}

	return apperrors.Validation("invalid attachments", problems)
}

func hasGroup(req Requirement, prefix string) bool {
	for _, g := range req.Groups {
		if g.Prefix == prefix {
			return true
		}
	}
	return false
}
