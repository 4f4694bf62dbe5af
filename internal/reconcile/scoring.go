package reconcile

import (
	"time"

	"github.com/alisharafiiii/kol-discord-sub004/internal/entity"
	"github.com/alisharafiiii/kol-discord-sub004/internal/identity"
)

// Merge-priority scoring. One canonical policy, consolidated from the
// inconsistent weights the CRM's various cleanup scripts used: approval
// status dominates, then privilege, then key provenance, linked identities,
// completeness and recency as tie-breakers.

const (
	scoreApproved = 1000
	scorePending  = 100
	scoreRejected = 10

	scoreCanonicalKey  = 250
	scoreIdentityField = 150
	scorePerField      = 10
	scoreRecencyMax    = 100
)

var roleScores = map[string]float64{
	"admin": 500,
	"core":  400,
	"team":  300,
	"kol":   200,
}

// defaultRoleScore covers user, scout, viewer, intern and unknown roles.
const defaultRoleScore = 100

// score computes an entity's merge priority within a duplicate group keyed
// by (keyType, value).
func score(schema *entity.Schema, keyType, value string, e *entity.Entity, now time.Time) float64 {
	var total float64

	switch e.StringField("approvalStatus") {
	case "approved":
		total += scoreApproved
	case "pending":
		total += scorePending
	case "rejected":
		total += scoreRejected
	}

	if s, ok := roleScores[e.StringField("role")]; ok {
		total += s
	} else if e.FieldPopulated("role") {
		total += defaultRoleScore
	}

	if identity.IsCanonical(e.PrimaryKey, keyType, value) {
		total += scoreCanonicalKey
	}

	for _, field := range schema.IdentityFields {
		if e.FieldPopulated(field) {
			total += scoreIdentityField
		}
	}

	for name := range e.Fields {
		if e.FieldPopulated(name) {
			total += scorePerField
		}
	}

	if !e.UpdatedAt.IsZero() {
		days := now.Sub(e.UpdatedAt).Hours() / 24
		if recency := scoreRecencyMax - days; recency > 0 {
			total += recency
		}
	}

	return total
}
