package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/npdlabs/npd/internal/board"
	"github.com/npdlabs/npd/internal/model"
)

func TestContactColumnValuesComposites(t *testing.T) {
	c := model.Contact{
		FirstName:    "Ada",
		LastName:     "Lovelace",
		Email:        "ada@example.com",
		Phone:        "+14155550100",
		PhoneCountry: "us",
		Status:       "Active",
	}

	values := ContactColumnValues(c)

	assert.Equal(t, "Ada", values[colFirstName])
	assert.Equal(t, "Lovelace", values[colLastName])
	assert.Equal(t, map[string]any{"email": "ada@example.com", "text": "ada@example.com"}, values[colEmail])
	assert.Equal(t, map[string]any{"phone": "+14155550100", "countryShortName": "US"}, values[colPhone],
		"country must be uppercased")
	assert.Equal(t, map[string]any{"label": "Active"}, values[colStatus])
}

func TestContactColumnValuesDefaultsCountryToUS(t *testing.T) {
	values := ContactColumnValues(model.Contact{Phone: "+14155550100"})
	require.Contains(t, values, colPhone)
	assert.Equal(t, "US", values[colPhone].(map[string]any)["countryShortName"])
}

func TestContactColumnValuesOmitsEmptyComposites(t *testing.T) {
	values := ContactColumnValues(model.Contact{FirstName: "Ada"})
	assert.NotContains(t, values, colEmail)
	assert.NotContains(t, values, colPhone)
	assert.NotContains(t, values, colStatus)
}

func TestOrganizationColumnValues(t *testing.T) {
	values := OrganizationColumnValues(model.Organization{
		Domain:   "example.com",
		Industry: "Software",
		Status:   "Customer",
	})
	assert.Equal(t, "example.com", values[colDomain])
	assert.Equal(t, "Software", values[colIndustry])
	assert.Equal(t, map[string]any{"label": "Customer"}, values[colStatus])
}

func TestContactItemNameFallsBackToEmail(t *testing.T) {
	assert.Equal(t, "Ada Lovelace", ContactItemName(model.Contact{FirstName: "Ada", LastName: "Lovelace"}))
	assert.Equal(t, "ada@example.com", ContactItemName(model.Contact{Email: "ada@example.com"}))
}

func TestDateColumnValue(t *testing.T) {
	d := time.Date(2026, 3, 9, 15, 4, 5, 0, time.UTC)
	assert.Equal(t, "2026-03-09", DateColumnValue(d))
}

func TestContactFromItemUnwrapsComposites(t *testing.T) {
	item := board.Item{
		ID:   "item-1",
		Name: "Ada Lovelace",
		ColumnValues: map[string]any{
			colFirstName: "Ada",
			colLastName:  "Lovelace",
			colEmail:     map[string]any{"email": "ada@example.com", "text": "ada@example.com"},
			colPhone:     map[string]any{"phone": "+1415", "countryShortName": "US"},
			colStatus:    map[string]any{"label": "Active"},
		},
	}

	c := contactFromItem(item)
	assert.Equal(t, "Ada", c.FirstName)
	assert.Equal(t, "ada@example.com", c.Email)
	assert.Equal(t, "+1415", c.Phone)
	assert.Equal(t, "US", c.PhoneCountry)
	assert.Equal(t, "Active", c.Status)
}

func TestContactFromItemAcceptsPlainStrings(t *testing.T) {
	item := board.Item{
		ColumnValues: map[string]any{
			colEmail:  "ada@example.com",
			colStatus: "Active",
		},
	}
	c := contactFromItem(item)
	assert.Equal(t, "ada@example.com", c.Email)
	assert.Equal(t, "Active", c.Status)
}

func TestOrganizationFromItemUsesItemName(t *testing.T) {
	item := board.Item{
		Name: "Acme Corp",
		ColumnValues: map[string]any{
			colDomain: "acme.test",
		},
	}
	o := organizationFromItem(item)
	assert.Equal(t, "Acme Corp", o.Name)
	assert.Equal(t, "acme.test", o.Domain)
}
