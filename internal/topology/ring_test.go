package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/shardkv/hintedhandoff/internal/model"
)

func TestNaturalEndpointsReturnsDistinctReplicas(t *testing.T) {
	r := New(0, 3)
	r.AddEndpoint("ep1", "dc1")
	r.AddEndpoint("ep2", "dc1")
	r.AddEndpoint("ep3", "dc1")
	r.AddEndpoint("ep4", "dc2")

	eps := r.NaturalEndpoints("users", []byte("key-1"))
	assert.Len(t, eps, 3)

	seen := make(map[model.EndpointID]bool)
	for _, ep := range eps {
		assert.False(t, seen[ep], "NaturalEndpoints must not repeat an endpoint")
		seen[ep] = true
	}
}

func TestNaturalEndpointsIsStableForTheSameKey(t *testing.T) {
	r := New(0, 3)
	r.AddEndpoint("ep1", "dc1")
	r.AddEndpoint("ep2", "dc1")
	r.AddEndpoint("ep3", "dc1")

	first := r.NaturalEndpoints("users", []byte("key-1"))
	second := r.NaturalEndpoints("users", []byte("key-1"))
	assert.Equal(t, first, second)
}

func TestNaturalEndpointsCapsAtReplicationFactor(t *testing.T) {
	r := New(0, 2)
	for _, ep := range []model.EndpointID{"ep1", "ep2", "ep3", "ep4", "ep5"} {
		r.AddEndpoint(ep, "dc1")
	}
	eps := r.NaturalEndpoints("users", []byte("key-1"))
	assert.Len(t, eps, 2)
}

func TestNaturalEndpointsEmptyRing(t *testing.T) {
	r := New(0, 3)
	assert.Empty(t, r.NaturalEndpoints("users", []byte("key-1")))
}

func TestRemoveEndpointDropsItFromRotation(t *testing.T) {
	r := New(0, 1)
	r.AddEndpoint("ep1", "dc1")
	r.AddEndpoint("ep2", "dc1")
	r.RemoveEndpoint("ep1")

	for i := 0; i < 20; i++ {
		eps := r.NaturalEndpoints("t", []byte{byte(i)})
		for _, ep := range eps {
			assert.NotEqual(t, model.EndpointID("ep1"), ep)
		}
	}
}

func TestDatacenterLookup(t *testing.T) {
	r := New(0, 3)
	r.AddEndpoint("ep1", "dc1")
	assert.Equal(t, "dc1", r.Datacenter("ep1"))
	assert.Equal(t, "", r.Datacenter("unknown-ep"))
}
