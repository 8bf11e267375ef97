package replica

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	Name string `bson:"name"`
}

func TestElement_RoundTrip(t *testing.T) {
	el, err := NewElement("a", payload{Name: "x"}, time.Time{})
	require.NoError(t, err)

	var out payload
	require.NoError(t, el.Decode(&out))
	assert.Equal(t, "x", out.Name)
}

func TestValues(t *testing.T) {
	now := time.Now()
	a, _ := NewElement("a", payload{Name: "1"}, now.Add(time.Second))
	b, _ := NewElement("b", payload{Name: "2"}, now.Add(time.Minute))
	dup, _ := NewElement("a", payload{Name: "3"}, now)

	v := Values{a, b, dup}
	assert.True(t, v.Contains("a"))
	assert.False(t, v.Contains("c"))

	cloned := v.Clone()
	assert.Len(t, cloned, 2)
	var first payload
	require.NoError(t, cloned[0].Decode(&first))
	assert.Equal(t, "1", first.Name)

	assert.Equal(t, now.Add(time.Minute), Values{a, b}.MaxExpiry())

	forever, _ := NewElement("f", payload{}, time.Time{})
	assert.True(t, Values{a, forever}.MaxExpiry().IsZero())
	assert.True(t, Values{}.MaxExpiry().IsZero())
}

func TestConsistencyNames(t *testing.T) {
	assert.Equal(t, "majority", ReadMajority.String())
	assert.Equal(t, "all", WriteAll.String())
	assert.Equal(t, "local", WriteLocal.String())
}
