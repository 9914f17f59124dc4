package tree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodeart/dalbridge/pkg/constants"
)

func TestFlattenRoundTripObject(t *testing.T) {
	doc := []byte(`{"hits":[{"_id":"42","_source":{"name":"Widget"}}],"total":1}`)

	leaves, err := Flatten("search/response/k1", doc)
	require.NoError(t, err)
	assert.Equal(t, `"42"`, string(leaves["search/response/k1/hits/0/_id"]))
	assert.Equal(t, `1`, string(leaves["search/response/k1/total"]))

	out, err := Unflatten("search/response/k1", leaves)
	require.NoError(t, err)
	assert.JSONEq(t, string(doc), string(out))
}

func TestFlattenDropsNullsAndEmpties(t *testing.T) {
	leaves, err := Flatten("a", []byte(`{"x":null,"y":{},"z":[]}`))
	require.NoError(t, err)
	assert.Empty(t, leaves)

	out, err := Unflatten("a", leaves)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestFlattenRejectsBadKeys(t *testing.T) {
	_, err := Flatten("a", []byte(`{"b.c":1}`))
	require.ErrorIs(t, err, constants.ErrInvalidPath)

	_, err = Flatten("a", []byte(`{"b/c":1}`))
	require.ErrorIs(t, err, constants.ErrInvalidPath)

	_, err = Flatten("a", []byte(`{not json`))
	require.ErrorIs(t, err, constants.ErrMalformedPayload)
}

func TestUnflattenSparseIndexesStayObject(t *testing.T) {
	leaves := Leaves{
		"c/attrs/0": []byte(`"1234"`),
		"c/attrs/2": []byte(`"k2"`),
	}
	out, err := Unflatten("c/attrs", leaves)
	require.NoError(t, err)
	assert.JSONEq(t, `{"0":"1234","2":"k2"}`, string(out))
}

func TestLeavesSetReplacesSubtreeAndAncestorScalars(t *testing.T) {
	l := Leaves{}
	first, err := Flatten("basket/u7", []byte(`{"items":["a","b"],"note":"x"}`))
	require.NoError(t, err)
	l.Set("basket/u7", first)

	second, err := Flatten("basket/u7", []byte(`{"items":["c"]}`))
	require.NoError(t, err)
	l.Set("basket/u7", second)

	snap, err := l.Read("basket/u7")
	require.NoError(t, err)
	assert.JSONEq(t, `{"items":["c"]}`, string(snap.Value))

	scalar, err := Flatten("n", []byte(`5`))
	require.NoError(t, err)
	l.Set("n", scalar)
	child, err := Flatten("n/c", []byte(`1`))
	require.NoError(t, err)
	l.Set("n/c", child)

	snap, err = l.Read("n")
	require.NoError(t, err)
	assert.JSONEq(t, `{"c":1}`, string(snap.Value))
}

func TestLeavesReadMissing(t *testing.T) {
	snap, err := Leaves{}.Read("orders/nope")
	require.NoError(t, err)
	assert.False(t, snap.Exists)
	assert.Equal(t, "nope", snap.Key)
}

func TestAncestors(t *testing.T) {
	assert.Equal(t, []string{"a", "a/b"}, Ancestors("a/b/c"))
	assert.Empty(t, Ancestors("a"))
}
