package cdc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCreate(t *testing.T) {
	raw := []byte(`{"payload":{"op":"c","after":{"ID":1,"Name":"widget"}}}`)
	m, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, OpCreate, m.Op)
	v, ok := Get(m.After, "id")
	require.True(t, ok)
	assert.EqualValues(t, 1, v)
}

func TestParseUpdateSucceeds(t *testing.T) {
	raw := []byte(`{"payload":{"op":"u","before":{"id":1,"v":"a"},"after":{"id":1,"v":"b"}}}`)
	m, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, OpUpdate, m.Op)

	beforeID, ok := Get(m.Before, "id")
	require.True(t, ok)
	assert.EqualValues(t, 1, beforeID)
	beforeV, ok := Get(m.Before, "v")
	require.True(t, ok)
	assert.Equal(t, "a", beforeV)

	afterV, ok := Get(m.After, "v")
	require.True(t, ok)
	assert.Equal(t, "b", afterV)
}

func TestParseUpdateRequiresBothSides(t *testing.T) {
	raw := []byte(`{"payload":{"op":"u","after":{"id":1}}}`)
	_, err := Parse(raw)
	assert.Error(t, err)
}

func TestParseDeleteRequiresBefore(t *testing.T) {
	raw := []byte(`{"payload":{"op":"d","before":{"id":7}}}`)
	m, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, OpDelete, m.Op)
	v, ok := Get(m.Before, "ID")
	require.True(t, ok)
	assert.EqualValues(t, 7, v)
}

func TestParseUnknownOpFails(t *testing.T) {
	raw := []byte(`{"payload":{"op":"x","after":{"id":1}}}`)
	_, err := Parse(raw)
	assert.ErrorContains(t, err, "unknown debezium op")
}

func TestParseMissingPayloadFails(t *testing.T) {
	_, err := Parse([]byte(`{}`))
	assert.ErrorContains(t, err, "no payload")
}

func TestParseCaseInsensitiveColumnLookup(t *testing.T) {
	raw := []byte(`{"payload":{"op":"r","after":{"CustomerName":"acme"}}}`)
	m, err := Parse(raw)
	require.NoError(t, err)
	_, ok := Get(m.After, "customername")
	assert.True(t, ok)
}
