package jsonrpc

import (
	"github.com/hearthd/hearthd/internal/buildinfo"
	"github.com/hearthd/hearthd/internal/types"
	"github.com/hearthd/hearthd/internal/users"
)

// Cloud is the cloud transport as the JSONRPC namespace sees it:
// connection status and session keepalives.
type Cloud interface {
	Connected() bool
	KeepAlive(sessionID string) bool
}

// NewJSONRPCHandler builds the JSONRPC namespace: handshake and
// introspection, user and token management, the push-button flow, and
// cloud status. cloud may be nil when the cloud transport is disabled.
func NewJSONRPCHandler(s *Server, cloud Cloud) *Handler {
	h := NewHandler("JSONRPC")

	helloReturns := Schema{
		"id":                      "Int",
		"server":                  "String",
		"name":                    "String",
		"version":                 "String",
		"uuid":                    "Uuid",
		"language":                "String",
		"protocol version":        "String",
		"initialSetupRequired":    "Bool",
		"authenticationRequired":  "Bool",
		"pushButtonAuthAvailable": "Bool",
	}

	h.RegisterMethod("Hello",
		"Return the handshake object, the same one pushed when a connection opens. Open to unauthenticated clients.",
		Schema{}, helloReturns,
		func(c *CallContext) *Reply {
			return Sync(s.welcome(c.AuthRequired))
		})

	h.RegisterMethod("Introspect",
		"Describe every type, method, and notification of this API.",
		Schema{},
		Schema{"types": "Object", "methods": "Object", "notifications": "Object"},
		func(c *CallContext) *Reply {
			return Sync(s.introspection())
		})

	h.RegisterMethod("Version",
		"Report the server and protocol version.",
		Schema{},
		Schema{"version": "String", "protocol version": "String"},
		func(c *CallContext) *Reply {
			return Sync(map[string]any{
				"version":          buildinfo.Version,
				"protocol version": ProtocolVersion,
			})
		})

	h.RegisterMethod("SetNotificationStatus",
		"Enable or disable notification delivery on this connection.",
		Schema{"enabled": "Bool"},
		Schema{"enabled": "Bool"},
		func(c *CallContext) *Reply {
			enabled := c.Params["enabled"].(bool)
			s.setNotificationsEnabled(c.ClientID, enabled)
			return Sync(map[string]any{"enabled": enabled})
		})

	h.RegisterMethod("CreateUser",
		"Create a user account. Open until the first account exists; after that it needs a token like any other method.",
		Schema{"username": "String", "password": "String"},
		Schema{"error": "$ref:UserError"},
		func(c *CallContext) *Reply {
			uerr := s.users.CreateUser(c.Params["username"].(string), c.Params["password"].(string))
			return Sync(map[string]any{"error": uerr})
		})

	h.RegisterMethod("Authenticate",
		"Exchange username and password for a bearer token bound to a device name.",
		Schema{"username": "String", "password": "String", "deviceName": "String"},
		Schema{"success": "Bool", "o:token": "String"},
		func(c *CallContext) *Reply {
			token, ok := s.users.Authenticate(
				c.Params["username"].(string),
				c.Params["password"].(string),
				c.Params["deviceName"].(string))
			ret := map[string]any{"success": ok}
			if ok {
				ret["token"] = token
			}
			return Sync(ret)
		})

	h.RegisterMethod("RequestPushButtonAuth",
		"Start push-button authentication. The outcome arrives as a PushButtonAuthFinished notification on this connection.",
		Schema{"deviceName": "String"},
		Schema{"success": "Bool", "transactionId": "Int"},
		func(c *CallContext) *Reply {
			tx := s.users.RequestPushButtonAuth(c.Params["deviceName"].(string), c.ClientID)
			return Sync(map[string]any{"success": true, "transactionId": tx})
		})

	h.RegisterMethod("Tokens",
		"List the calling user's tokens. Token values are not recoverable, only metadata.",
		Schema{},
		Schema{"tokenInfoList": []any{"$ref:TokenInfo"}},
		func(c *CallContext) *Reply {
			username, _ := s.users.UserForToken(c.Token)
			infos, uerr := s.users.Tokens(username)
			if !uerr.OK() {
				s.log.Error("list tokens", "err", uerr)
			}
			list := make([]any, 0, len(infos))
			for _, info := range infos {
				if v, ok := wireValue(info); ok {
					list = append(list, v)
				}
			}
			return Sync(map[string]any{"tokenInfoList": list})
		})

	h.RegisterMethod("RemoveToken",
		"Revoke one of the calling user's tokens.",
		Schema{"tokenId": "Uuid"},
		Schema{"error": "$ref:UserError"},
		func(c *CallContext) *Reply {
			username, _ := s.users.UserForToken(c.Token)
			id := types.TokenID(c.Params["tokenId"].(string))
			infos, _ := s.users.Tokens(username)
			owned := false
			for _, info := range infos {
				if info.ID == id {
					owned = true
					break
				}
			}
			if !owned {
				return Sync(map[string]any{"error": users.UserErrorTokenNotFound})
			}
			return Sync(map[string]any{"error": s.users.RemoveToken(id)})
		})

	h.RegisterMethod("IsCloudConnected",
		"Report whether the connection to the cloud broker is established.",
		Schema{},
		Schema{"connected": "Bool"},
		func(c *CallContext) *Reply {
			return Sync(map[string]any{"connected": cloud != nil && cloud.Connected()})
		})

	h.RegisterMethod("KeepAlive",
		"Refresh a cloud session so the broker keeps relaying it.",
		Schema{"sessionId": "String"},
		Schema{"success": "Bool"},
		func(c *CallContext) *Reply {
			ok := cloud != nil && cloud.KeepAlive(c.Params["sessionId"].(string))
			return Sync(map[string]any{"success": ok})
		})

	h.RegisterNotification("CloudConnectedChanged",
		"The cloud connection came up or went down.",
		Schema{"connected": "Bool"})

	h.RegisterNotification("PushButtonAuthFinished",
		"A push-button transaction ended. Sent only to the requesting connection; carries the token on success.",
		Schema{"transactionId": "Int", "status": "$ref:UserError", "o:token": "String"})

	return h
}
