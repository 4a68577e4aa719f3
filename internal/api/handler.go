// Package api implements the admin/observer surface: a JSON protocol
// over WebSocket at /api, framed like OCPP calls. Clients log in with a
// token; the matching user role gates which commands they may issue.
package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/charging-platform/balanz/internal/logger"
	"github.com/charging-platform/balanz/internal/model"
	ocpp "github.com/charging-platform/balanz/internal/protocol/ocpp16"
)

// Frame type discriminators, shared with the OCPP wire format. Error
// replies on the API are three elements: [4, id, payload].
const (
	typeCall       = 2
	typeCallResult = 3
	typeCallError  = 4
)

// fallbackID identifies replies to frames whose id could not be parsed.
const fallbackID = "007"

// roleAllow lists the commands each role may issue. Admin is not listed;
// it may issue everything.
var roleAllow = map[model.UserType][]string{}

func init() {
	status := []string{"GetGroups", "GetChargers"}
	analysis := append(append([]string{}, status...), "GetTags", "DrawAll", "GetSessions")
	roleAllow[model.UserStatus] = status
	roleAllow[model.UserAnalysis] = analysis
	roleAllow[model.UserSessionPriority] = append(append([]string{}, status...), "SetChargePriority")
	roleAllow[model.UserTags] = append(append([]string{}, analysis...),
		"SetChargePriority", "UpdateTag", "CreateTag", "DeleteTag")
}

// Handler serves admin API connections. One Handler is shared by all
// connections; per-connection login state lives in the session.
type Handler struct {
	store    *model.Store
	registry *ocpp.Registry
	logs     *logger.Logger // nil disables GetLogs and SetLogLevel
	clock    clock.Clock
	version  string
	started  time.Time
	log      zerolog.Logger
}

// New builds the handler. logs may be nil when no logger is installed.
func New(store *model.Store, registry *ocpp.Registry, logs *logger.Logger, clk clock.Clock, version string) *Handler {
	return &Handler{
		store:    store,
		registry: registry,
		logs:     logs,
		clock:    clk,
		version:  version,
		started:  clk.Now(),
		log:      logger.Component("api"),
	}
}

// Serve runs the command loop for one API connection until the peer
// disconnects or ctx is cancelled.
func (h *Handler) Serve(ctx context.Context, conn ocpp.Conn, remoteAddr string) {
	sess := &session{h: h, conn: conn, ctx: ctx, log: h.log.With().Str("remote_addr", remoteAddr).Logger()}
	sess.log.Info().Msg("API connection established")

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			sess.log.Info().Msg("API connection closed")
			return
		}
		reply := sess.handle(data)
		if err := conn.WriteMessage(reply); err != nil {
			sess.log.Warn().Err(err).Msg("Failed to write API reply")
			return
		}
	}
}

// session is the per-connection state: whether Login succeeded and with
// which role.
type session struct {
	h    *Handler
	conn ocpp.Conn
	ctx  context.Context
	log  zerolog.Logger

	loggedIn bool
	role     model.UserType
}

// handle processes one frame and returns the serialized reply. A panic in
// a command is reported as an Unexpected Error frame instead of killing
// the connection.
func (s *session) handle(data []byte) (reply []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("While processing API command, an error occurred")
			reply = marshalFrame(typeCallError, fallbackID, "Unexpected Error")
		}
	}()

	id, command, payload, ok := parseFrame(data)
	if !ok {
		s.log.Error().Str("data", string(data)).Msg("API call malformed")
		return marshalFrame(typeCallError, fallbackID, statusPayload(model.ErrCodeProtocolError))
	}

	// Login is not logged (credentials), DrawAll is too noisy.
	if command != "Login" && command != "DrawAll" {
		s.log.Debug().Str("command", command).Str("message_id", id).RawJSON("payload", payloadOrNull(payload)).Msg("API command received")
	}

	if !s.authorized(command) {
		return marshalFrame(typeCallError, id, statusPayload(model.ErrCodeNotAuthorized))
	}

	result, err := s.dispatch(command, payload)
	if err != nil {
		return marshalFrame(typeCallError, id, errorPayload(err))
	}
	return marshalFrame(typeCallResult, id, result)
}

// authorized checks login state and the role whitelist. Login itself is
// always allowed.
func (s *session) authorized(command string) bool {
	if command == "Login" {
		return true
	}
	if !s.loggedIn {
		return false
	}
	if s.role == model.UserAdmin {
		return true
	}
	for _, c := range roleAllow[s.role] {
		if c == command {
			return true
		}
	}
	return false
}

// parseFrame splits a [2, id, command, payload] array. The payload part
// may be absent content (null) for commands without arguments.
func parseFrame(data []byte) (id, command string, payload json.RawMessage, ok bool) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil || len(parts) != 4 {
		return "", "", nil, false
	}
	var mtype int
	if err := json.Unmarshal(parts[0], &mtype); err != nil || mtype != typeCall {
		return "", "", nil, false
	}
	if err := json.Unmarshal(parts[1], &id); err != nil {
		return "", "", nil, false
	}
	if err := json.Unmarshal(parts[2], &command); err != nil || command == "" {
		return "", "", nil, false
	}
	return id, command, parts[3], true
}

func marshalFrame(mtype int, id string, payload interface{}) []byte {
	data, err := json.Marshal([]interface{}{mtype, id, payload})
	if err != nil {
		data, _ = json.Marshal([]interface{}{typeCallError, id, "Unexpected Error"})
	}
	return data
}

func statusPayload(code model.ErrorCode) map[string]string {
	return map[string]string{"status": string(code)}
}

// errorPayload maps a command error to the CallError payload. Model errors
// and charger call failures report their code as the status; anything else
// is an internal error.
func errorPayload(err error) interface{} {
	if me, ok := modelError(err); ok {
		return statusPayload(me.Code)
	}
	if cf, ok := callFailure(err); ok {
		return map[string]string{"status": cf}
	}
	return "Unexpected Error"
}

func payloadOrNull(payload json.RawMessage) json.RawMessage {
	if len(payload) == 0 {
		return json.RawMessage("null")
	}
	return payload
}

// decode unmarshals a command payload. null and empty payloads leave the
// target at its zero value; anything unparsable is a protocol error.
func decode(payload json.RawMessage, v interface{}) error {
	trimmed := string(payload)
	if len(payload) == 0 || trimmed == "null" || trimmed == `""` {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return model.NewError(model.ErrCodeProtocolError, "invalid payload: %v", err)
	}
	return nil
}
