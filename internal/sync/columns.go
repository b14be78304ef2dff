// Package sync reconciles local contacts and organizations with the external
// board: outbound pushes with per-entity gating, inbound webhook and board
// walks with conflict detection, and manual plus rule-based conflict
// resolution.
package sync

import (
	"fmt"
	"strings"
	"time"

	"github.com/npdlabs/npd/internal/board"
	"github.com/npdlabs/npd/internal/model"
)

// Board column ids. The board schema is provisioned to match.
const (
	colFirstName = "first_name"
	colLastName  = "last_name"
	colEmail     = "email"
	colPhone     = "phone"
	colStatus    = "status"
	colDomain    = "domain"
	colIndustry  = "industry"
	colStartDate = "date"
)

// ContactColumnValues projects a contact into board column values. Composite
// columns follow the board's shapes: email is {email, text}, phone is
// {phone, countryShortName} with the country uppercased and defaulted to US.
func ContactColumnValues(c model.Contact) map[string]any {
	values := map[string]any{
		colFirstName: c.FirstName,
		colLastName:  c.LastName,
	}
	if c.Email != "" {
		values[colEmail] = map[string]any{"email": c.Email, "text": c.Email}
	}
	if c.Phone != "" {
		country := strings.ToUpper(strings.TrimSpace(c.PhoneCountry))
		if country == "" {
			country = "US"
		}
		values[colPhone] = map[string]any{"phone": c.Phone, "countryShortName": country}
	}
	if c.Status != "" {
		values[colStatus] = map[string]any{"label": c.Status}
	}
	return values
}

// OrganizationColumnValues projects an organization into board column values.
func OrganizationColumnValues(o model.Organization) map[string]any {
	values := map[string]any{}
	if o.Domain != "" {
		values[colDomain] = o.Domain
	}
	if o.Industry != "" {
		values[colIndustry] = o.Industry
	}
	if o.Status != "" {
		values[colStatus] = map[string]any{"label": o.Status}
	}
	return values
}

// ContactItemName is the board item display name for a contact.
func ContactItemName(c model.Contact) string {
	name := strings.TrimSpace(c.FirstName + " " + c.LastName)
	if name == "" {
		name = c.Email
	}
	return name
}

// DateColumnValue formats a date for the board's date column.
func DateColumnValue(t time.Time) string {
	return t.Format("2006-01-02")
}

// contactFromItem maps board column values onto contact fields. The item
// name is not consulted: first/last name come from their own columns.
func contactFromItem(item board.Item) model.Contact {
	c := model.Contact{
		FirstName:    columnString(item.ColumnValues[colFirstName]),
		LastName:     columnString(item.ColumnValues[colLastName]),
		Email:        unwrapComposite(item.ColumnValues[colEmail], "email"),
		Phone:        unwrapComposite(item.ColumnValues[colPhone], "phone"),
		PhoneCountry: unwrapComposite(item.ColumnValues[colPhone], "countryShortName"),
		Status:       unwrapComposite(item.ColumnValues[colStatus], "label"),
	}
	return c
}

// organizationFromItem maps board column values onto organization fields.
// The item name is the organization name.
func organizationFromItem(item board.Item) model.Organization {
	return model.Organization{
		Name:     item.Name,
		Domain:   columnString(item.ColumnValues[colDomain]),
		Industry: columnString(item.ColumnValues[colIndustry]),
		Status:   unwrapComposite(item.ColumnValues[colStatus], "label"),
	}
}

// columnString renders a scalar column value as a string.
func columnString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		return fmt.Sprint(val)
	}
}

// unwrapComposite extracts one field from a composite column value. A plain
// string passes through unchanged, so both value shapes are accepted.
func unwrapComposite(v any, key string) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case map[string]any:
		return columnString(val[key])
	default:
		return fmt.Sprint(val)
	}
}
