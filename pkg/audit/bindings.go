// SPDX-FileCopyrightText: 2025 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"encoding/base64"
	"strings"
)

// detailPropertySeparator joins detail parameters in the "properties" binding,
// matching what external sinks written against the legacy schema expect.
const detailPropertySeparator = "/-/_/-/"

// Bindings returns the record as the "audit" variable tree handed to sink
// policies. Names follow the variables the gateway has always exposed to sink
// policies (audit.nodeId, audit.user.name, audit.details, ...). Nullable fields
// are bound as nil so that a policy can tell absent from empty.
func Bindings(rec *Record) map[string]any {
	a := map[string]any{
		"guid":      rec.ID,
		"nodeId":    rec.NodeID,
		"time":      rec.Time.UnixMilli(),
		"type":      string(rec.Category),
		"level":     rec.Level.String(),
		"name":      rec.Name,
		"message":   rec.Message,
		"ipAddress": rec.IPAddress,
		"user": map[string]any{
			"name":   nullable(rec.UserName),
			"id":     nullable(rec.UserID),
			"idProv": nullable(rec.ProviderID),
		},
		"signature": nil,
	}
	if len(rec.Signature) > 0 {
		a["signature"] = base64.StdEncoding.EncodeToString(rec.Signature)
	}

	switch {
	case rec.AdminFields != nil:
		a["entity"] = map[string]any{
			"class": nullable(rec.AdminFields.EntityClass),
			"oid":   rec.AdminFields.EntityID,
		}
		a["action"] = rec.AdminFields.Action
	case rec.MessageFields != nil:
		m := rec.MessageFields
		a["status"] = m.Status
		a["requestId"] = nullable(m.RequestID)
		a["serviceOid"] = m.ServiceID
		a["operationName"] = nullable(m.OperationName)
		a["authenticated"] = m.Authenticated
		a["authType"] = nullable(m.AuthType)
		a["savedRequestContentLength"] = m.RequestLength
		a["savedResponseContentLength"] = m.ResponseLength
		a["reqContent"] = nullable(m.RequestContent)
		a["resContent"] = nullable(m.ResponseContent)
		a["responseStatus"] = m.ResponseStatus
		a["routingLatency"] = m.RoutingLatency.Milliseconds()
	case rec.SystemFields != nil:
		a["componentId"] = rec.SystemFields.Component
		a["action"] = rec.SystemFields.Action
	}

	details := make([]any, 0, len(rec.Details))
	for _, d := range rec.Details {
		details = append(details, map[string]any{
			"time":        d.Time.UnixMilli(),
			"componentId": d.Component,
			"ordinal":     d.Ordinal,
			"messageId":   d.MessageID,
			"exception":   d.Cause,
			"properties":  strings.Join(d.Params, detailPropertySeparator),
		})
	}
	a["details"] = details

	return map[string]any{"audit": a}
}

func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
