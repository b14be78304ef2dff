package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStatusLabelRoundTrip(t *testing.T) {
	for _, s := range []JobStatus{JobStatusPending, JobStatusInProgress, JobStatusCompleted, JobStatusFailed} {
		parsed, err := ParseJobStatus(s.Label())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}

	_, err := ParseJobStatus("running")
	assert.Error(t, err)
}

func TestParseJobStatusTrimsAndLowercases(t *testing.T) {
	parsed, err := ParseJobStatus("  In_Progress ")
	require.NoError(t, err)
	assert.Equal(t, JobStatusInProgress, parsed)
}

func TestResolutionTypeLabels(t *testing.T) {
	assert.Equal(t, "keep_local", ResolutionKeepLocal.Label())
	assert.Equal(t, "keep_external", ResolutionKeepExternal.Label())
	assert.Equal(t, "merge", ResolutionMerge.Label())

	parsed, err := ParseResolutionType("merge")
	require.NoError(t, err)
	assert.Equal(t, ResolutionMerge, parsed)
}

func TestParsePreferredSource(t *testing.T) {
	parsed, err := ParsePreferredSource("external")
	require.NoError(t, err)
	assert.Equal(t, SourceExternal, parsed)

	_, err = ParsePreferredSource("upstream")
	assert.Error(t, err)
}

func TestParseEntityType(t *testing.T) {
	for _, want := range []EntityType{EntityTypeContact, EntityTypeOrganization} {
		parsed, err := ParseEntityType(string(want))
		require.NoError(t, err)
		assert.Equal(t, want, parsed)
	}

	_, err := ParseEntityType("project")
	assert.Error(t, err)
}

func TestSyncDirectionRoundTrip(t *testing.T) {
	for _, d := range []SyncDirection{SyncDirectionBidirectional, SyncDirectionNPDToExt, SyncDirectionExtToNPD, SyncDirectionNone} {
		parsed, err := ParseSyncDirection(d.Label())
		require.NoError(t, err)
		assert.Equal(t, d, parsed)
	}
}

func TestEgressJobTypes(t *testing.T) {
	assert.Equal(t, []JobType{JobTypeContactEgress, JobTypeOrgEgress}, EgressJobTypes)
}
