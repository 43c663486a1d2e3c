// SPDX-License-Identifier: MIT

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamvault/core/internal/model"
)

func TestResolveFallsBackToGlobalDefaults(t *testing.T) {
	global := DefaultGlobals()

	got := Resolve(global, model.ChannelPolicyOverride{})

	assert.Equal(t, global.Quality, got.Quality)
	assert.Equal(t, global.CodecList, got.CodecList)
	assert.Equal(t, global.FilenameTemplate, got.FilenameTemplate)
	assert.Equal(t, global.UseChapters, got.UseChapters)
	assert.Equal(t, global.AutoRecord, got.AutoRecord)
	assert.Equal(t, global.CleanupPolicy.toModel(), got.CleanupPolicy)
}

func TestResolveOverridesIndividualFields(t *testing.T) {
	global := DefaultGlobals()
	useChapters := false

	override := model.ChannelPolicyOverride{
		Quality:     "720p",
		UseChapters: &useChapters,
	}

	got := Resolve(global, override)

	assert.Equal(t, "720p", got.Quality)
	assert.False(t, got.UseChapters)
	// Untouched fields still fall back to the global default.
	assert.Equal(t, global.FilenameTemplate, got.FilenameTemplate)
	assert.Equal(t, global.AutoRecord, got.AutoRecord)
}

func TestResolveExplicitFalseDiffersFromUnset(t *testing.T) {
	global := DefaultGlobals()
	global.AutoRecord = true
	autoRecordOff := false

	unset := Resolve(global, model.ChannelPolicyOverride{})
	explicitOff := Resolve(global, model.ChannelPolicyOverride{AutoRecord: &autoRecordOff})

	assert.True(t, unset.AutoRecord)
	assert.False(t, explicitOff.AutoRecord)
}

func TestResolveChannelCleanupPolicyOverride(t *testing.T) {
	global := DefaultGlobals()
	override := model.ChannelPolicyOverride{
		CleanupPolicy: &model.CleanupPolicy{
			Strategy:  model.CleanupByAge,
			KeepCount: 5,
		},
	}

	got := Resolve(global, override)

	assert.Equal(t, model.CleanupByAge, got.CleanupPolicy.Strategy)
	assert.Equal(t, 5, got.CleanupPolicy.KeepCount)
}

func TestResolveDoesNotMutateInputs(t *testing.T) {
	global := DefaultGlobals()
	originalCodecs := append([]string(nil), global.CodecList...)
	override := model.ChannelPolicyOverride{CodecList: []string{"vp9"}}

	_ = Resolve(global, override)

	assert.Equal(t, originalCodecs, global.CodecList)
	assert.Equal(t, []string{"vp9"}, override.CodecList)
}

func TestGlobalDefaultsValidateRejectsMissingFields(t *testing.T) {
	g := DefaultGlobals()
	g.RecordingsRoot = ""

	err := g.Validate()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "recordings_root")
}

func TestGlobalDefaultsValidateRejectsUnknownCleanupStrategy(t *testing.T) {
	g := DefaultGlobals()
	g.DatabaseDSN = "postgres://localhost/streamvault"
	g.CleanupPolicy.Strategy = "by_vibes"

	err := g.Validate()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "cleanup_policy.strategy")
}

func TestGlobalDefaultsValidatePasses(t *testing.T) {
	g := DefaultGlobals()
	g.DatabaseDSN = "postgres://localhost/streamvault"

	assert.NoError(t, g.Validate())
}
