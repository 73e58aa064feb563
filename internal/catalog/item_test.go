package catalog

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestItem_Complete(t *testing.T) {
	full := pollItem()
	assert.True(t, full.Complete())

	noEmail := full
	noEmail.AuthorEmail = nil
	assert.True(t, noEmail.Complete(), "author_email is optional")

	emptyVersion := full
	emptyVersion.Version = Str("")
	assert.False(t, emptyVersion.Complete())

	missingName := full
	missingName.Name = nil
	assert.False(t, missingName.Complete())
}

func TestItem_OverlaySkipsNilFields(t *testing.T) {
	base := pollItem()
	out := base.Overlay(Item{ID: 99, Version: Str("2.0")})

	assert.Equal(t, ItemID(1), out.ID, "id is immutable")
	assert.Equal(t, "2.0", Text(out.Version))
	assert.Equal(t, "Poll", Text(out.Name))
	assert.Equal(t, base.Image, out.Image)
}

func TestItem_JSONNullMeansAbsent(t *testing.T) {
	var it Item
	require.NoError(t, json.Unmarshal([]byte(`{"id":5,"name":null,"version":"3"}`), &it))

	assert.Equal(t, ItemID(5), it.ID)
	assert.Nil(t, it.Name)
	assert.Equal(t, "3", Text(it.Version))
}

func TestLifecycleState_Text(t *testing.T) {
	b, err := json.Marshal(Entry{Item: Item{ID: 1}, State: DownloadCancelled})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"state":"DownloadCancelled"`)

	var s LifecycleState
	require.NoError(t, s.UnmarshalText([]byte("Received")))
	assert.Equal(t, Received, s)
	assert.Error(t, s.UnmarshalText([]byte("Lost")))
}

func TestError_Formatting(t *testing.T) {
	err := NewInvalidTransitionError(3, Downloading, Downloading)
	assert.Equal(t, "INVALID_TRANSITION: cannot move from Downloading to Downloading (item=3)", err.Error())

	stale := NewStaleError("stream", 4, 9)
	assert.True(t, IsStale(stale))
	assert.Contains(t, stale.Error(), "(serial=4)")
}
