package sync

import (
	"github.com/npdlabs/npd/internal/model"
)

// Only whitelisted fields ever cross the sync boundary. Anything else found
// in a snapshot or merge request (ids, timestamps, ORM droppings from older
// exports) is skipped silently rather than rejected.
var (
	contactSyncFields      = []string{"first_name", "last_name", "email", "phone", "phone_country", "status"}
	organizationSyncFields = []string{"name", "domain", "industry", "status"}
)

func syncFields(entityType model.EntityType) []string {
	if entityType == model.EntityTypeOrganization {
		return organizationSyncFields
	}
	return contactSyncFields
}

func isSyncField(entityType model.EntityType, field string) bool {
	for _, f := range syncFields(entityType) {
		if f == field {
			return true
		}
	}
	return false
}

// contactSnapshot captures a contact's whitelisted fields for conflict
// records and comparison.
func contactSnapshot(c model.Contact) map[string]any {
	return map[string]any{
		"first_name":    c.FirstName,
		"last_name":     c.LastName,
		"email":         c.Email,
		"phone":         c.Phone,
		"phone_country": c.PhoneCountry,
		"status":        c.Status,
	}
}

// organizationSnapshot captures an organization's whitelisted fields.
func organizationSnapshot(o model.Organization) map[string]any {
	return map[string]any{
		"name":     o.Name,
		"domain":   o.Domain,
		"industry": o.Industry,
		"status":   o.Status,
	}
}

// fieldString normalizes a snapshot value to a comparable string, unwrapping
// the board's composite shapes ({email,...}, {phone,...}, {label}).
func fieldString(field string, v any) string {
	switch field {
	case "email":
		return unwrapComposite(v, "email")
	case "phone":
		return unwrapComposite(v, "phone")
	case "phone_country":
		return unwrapComposite(v, "countryShortName")
	case "status":
		return unwrapComposite(v, "label")
	default:
		return columnString(v)
	}
}

// diffFields returns the whitelisted fields whose values differ between two
// snapshots, in whitelist order.
func diffFields(entityType model.EntityType, local, external map[string]any) []string {
	var diff []string
	for _, field := range syncFields(entityType) {
		if fieldString(field, local[field]) != fieldString(field, external[field]) {
			diff = append(diff, field)
		}
	}
	return diff
}

// applyContactField writes one whitelisted field value onto a contact.
// Unknown fields are ignored.
func applyContactField(c *model.Contact, field string, v any) {
	val := fieldString(field, v)
	switch field {
	case "first_name":
		c.FirstName = val
	case "last_name":
		c.LastName = val
	case "email":
		c.Email = val
	case "phone":
		c.Phone = val
	case "phone_country":
		c.PhoneCountry = val
	case "status":
		c.Status = val
	}
}

// applyOrganizationField writes one whitelisted field value onto an
// organization. Unknown fields are ignored.
func applyOrganizationField(o *model.Organization, field string, v any) {
	val := fieldString(field, v)
	switch field {
	case "name":
		o.Name = val
	case "domain":
		o.Domain = val
	case "industry":
		o.Industry = val
	case "status":
		o.Status = val
	}
}
