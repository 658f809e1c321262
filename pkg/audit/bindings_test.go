// SPDX-FileCopyrightText: 2025 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBindingsMessageRecord(t *testing.T) {
	rec := NewMessageRecord("node-a", LevelInfo, "orders", "processed", MessageFields{
		ServiceID:      "svc-1",
		Status:         1,
		Authenticated:  true,
		RequestContent: String("{}"),
		ResponseStatus: 200,
		RoutingLatency: 15 * time.Millisecond,
	})
	rec.UserName = String("alice")
	rec.Details = []Detail{{MessageID: 4711, Params: []string{"a", "b"}, Component: "routing", Time: rec.Time}}

	a, ok := Bindings(rec)["audit"].(map[string]any)
	require.True(t, ok)

	assert.Equal(t, rec.ID, a["guid"])
	assert.Equal(t, "node-a", a["nodeId"])
	assert.Equal(t, rec.Time.UnixMilli(), a["time"])
	assert.Equal(t, "message", a["type"])
	assert.Equal(t, "INFO", a["level"])
	assert.Equal(t, "svc-1", a["serviceOid"])
	assert.Equal(t, "{}", a["reqContent"])
	assert.Nil(t, a["resContent"])
	assert.Nil(t, a["requestId"])
	assert.Equal(t, int64(15), a["routingLatency"])
	assert.Nil(t, a["signature"])

	user := a["user"].(map[string]any)
	assert.Equal(t, "alice", user["name"])
	assert.Nil(t, user["id"])

	details := a["details"].([]any)
	require.Len(t, details, 1)
	d := details[0].(map[string]any)
	assert.Equal(t, 4711, d["messageId"])
	assert.Equal(t, "a/-/_/-/b", d["properties"])
}

func TestBindingsCategoryFields(t *testing.T) {
	admin := NewAdminRecord("n", LevelInfo, "policies", "m", AdminFields{EntityID: "p1", Action: "U"})
	admin.Signature = []byte{0xff}
	a := Bindings(admin)["audit"].(map[string]any)
	assert.Equal(t, "U", a["action"])
	assert.Equal(t, "p1", a["entity"].(map[string]any)["oid"])
	assert.Equal(t, "/w==", a["signature"])
	assert.Empty(t, a["details"])

	sys := NewSystemRecord("n", LevelInfo, "audit-properties", "SinkEnabled", "m")
	a = Bindings(sys)["audit"].(map[string]any)
	assert.Equal(t, "audit-properties", a["componentId"])
	assert.Equal(t, "SinkEnabled", a["action"])
	assert.NotContains(t, a, "serviceOid")
}
