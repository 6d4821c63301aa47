package ids

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromNameDeterministic(t *testing.T) {
	a := FromName("node1")
	b := FromName("node1")
	require.Equal(t, a, b)
	require.NotEqual(t, a, FromName("node2"))
	require.False(t, a.IsEmpty())
}

func TestAccountRootDiffersFromNode(t *testing.T) {
	id := FromName("node1")
	root := AccountRoot(id)
	require.NotEqual(t, id, root)
	require.Equal(t, root, AccountRoot(id))
}

func TestParse(t *testing.T) {
	id := FromName("node1")
	got, err := Parse(id.String())
	require.NoError(t, err)
	require.Equal(t, id, got)

	_, err = Parse("abcd")
	require.Error(t, err)
	_, err = Parse("not-hex")
	require.Error(t, err)
}

func TestCompare(t *testing.T) {
	var lo, hi ID
	hi[0] = 1
	require.True(t, lo.Less(hi))
	require.Equal(t, 0, hi.Compare(hi))
	require.Equal(t, 1, hi.Compare(lo))
}

func TestJSONUsesHex(t *testing.T) {
	id := FromName("node1")
	data, err := json.Marshal(map[string]ID{"id": id})
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"`+id.String()+`"}`, string(data))

	var back map[string]ID
	require.NoError(t, json.Unmarshal(data, &back))
	require.Equal(t, id, back["id"])

	require.Error(t, json.Unmarshal([]byte(`{"id":"zz"}`), &back))
}
