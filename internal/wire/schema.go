package wire

import (
	"reflect"
	"sync"

	"github.com/codleed/ephemeral-chat/sessions"
	"github.com/invopop/jsonschema"
)

// SchemaSet groups the payload schemas for one event.
type SchemaSet struct {
	Request *jsonschema.Schema `json:"request,omitempty"`
	Result  *jsonschema.Schema `json:"result,omitempty"`
}

var (
	schemasOnce sync.Once
	schemas     map[string]any
)

// Schemas returns JSON schemas for every inbound event (request and result)
// and every notification payload, keyed by event name. The result is built
// once and shared; callers must not mutate it.
func Schemas() map[string]any {
	schemasOnce.Do(func() {
		r := &jsonschema.Reflector{
			DoNotReference: true,
			ExpandedStruct: true,
		}
		reflectOf := func(v any) *jsonschema.Schema {
			if v == nil {
				return nil
			}
			return r.ReflectFromType(reflect.TypeOf(v))
		}
		events := map[string]SchemaSet{}
		for ev, pair := range map[string][2]any{
			EventCreateSession: {nil, CreateSessionResult{}},
			EventJoinSession:   {JoinSessionRequest{}, JoinSessionResult{}},
			EventSendMessage:   {SendMessageRequest{}, SendMessageResult{}},
			EventSetSessionKey: {SetSessionKeyRequest{}, SetSessionKeyResult{}},
			EventLeaveSession:  {nil, Empty{}},
			EventEndSession:    {nil, Empty{}},
			EventRotateKey:     {nil, RotateKeyResult{}},
			EventRevokeSession: {RevokeSessionRequest{}, Empty{}},
			EventSessionInfo:   {nil, SessionInfoResult{}},
		} {
			events[ev] = SchemaSet{Request: reflectOf(pair[0]), Result: reflectOf(pair[1])}
		}
		notifications := map[string]*jsonschema.Schema{
			sessions.EventParticipantJoined: reflectOf(sessions.RosterUpdate{}),
			sessions.EventParticipantLeft:   reflectOf(sessions.RosterUpdate{}),
			sessions.EventSessionEnded:      reflectOf(sessions.SessionEnded{}),
			sessions.EventSessionKeyUpdated: reflectOf(sessions.KeyUpdate{}),
			sessions.EventKeyRotationDue:    reflectOf(sessions.RotationDue{}),
			sessions.EventNewMessage:        reflectOf(sessions.Message{}),
		}
		schemas = map[string]any{
			"events":        events,
			"notifications": notifications,
		}
	})
	return schemas
}
