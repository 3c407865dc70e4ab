package action_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitesync/internal/action"
)

func envelope(t action.Type, payload string) action.Envelope {
	return action.Envelope{
		ID:         "a1",
		ActionType: t,
		ProjectID:  "P1",
		Payload:    json.RawMessage(payload),
	}
}

func TestValidateAcceptsEveryActionType(t *testing.T) {
	cases := map[action.Type]string{
		action.CheckInType:               `{"latitude":1,"longitude":1,"timestamp":"2024-03-01T08:00:00Z"}`,
		action.CheckOutType:              `{"lat":1,"lon":1}`,
		action.TrackType:                 `{"latitude":12.9,"longitude":77.6}`,
		action.CreateMaterialRequestType: `{"material_name":"Cement","quantity":50,"unit":"bags","urgency":"HIGH"}`,
		action.UpdateMaterialRequestType: `{"material_request_id":"mr-1","quantity":20}`,
		action.DeleteMaterialRequestType: `{"material_request_id":"mr-1"}`,
		action.CreateDPRType:             `{"report_date":"2024-03-01","work_done":"Slab casting","labour_count":12}`,
		action.ManualAttendanceType:      `{"labour_id":"L1","date":"2024-03-01","check_in_time":"08:00","check_out_time":"17:30","reason":"phone dead"}`,
	}
	require.Len(t, cases, len(action.Types()))
	for typ, payload := range cases {
		t.Run(string(typ), func(t *testing.T) {
			a, err := action.Validate(envelope(typ, payload))
			require.NoError(t, err)
			assert.Equal(t, typ, a.Type)
			assert.Equal(t, typ.Entity(), a.EntityType)
			assert.NotNil(t, a.Payload)
		})
	}
}

func TestValidateRejectsStructuralErrors(t *testing.T) {
	long := make([]byte, action.MaxIDLength+1)
	for i := range long {
		long[i] = 'x'
	}
	cases := []struct {
		name string
		env  action.Envelope
		want string
	}{
		{"missing id", action.Envelope{ActionType: action.CheckInType, ProjectID: "P1", Payload: json.RawMessage(`{"lat":1,"lon":1}`)}, "id is required"},
		{"long id", action.Envelope{ID: string(long), ActionType: action.CheckInType, ProjectID: "P1"}, "id exceeds 128 characters"},
		{"missing type", action.Envelope{ID: "a1", ProjectID: "P1"}, "action_type is required"},
		{"unknown type", action.Envelope{ID: "a1", ActionType: "PAY_SALARY", ProjectID: "P1"}, "unknown action_type PAY_SALARY"},
		{"unknown entity", action.Envelope{ID: "a1", ActionType: action.CheckInType, EntityType: "INVOICE", ProjectID: "P1"}, "unknown entity_type INVOICE"},
		{"entity mismatch", action.Envelope{ID: "a1", ActionType: action.CheckInType, EntityType: action.DPR, ProjectID: "P1"}, "entity_type DPR does not match action_type CHECK_IN"},
		{"missing project", action.Envelope{ID: "a1", ActionType: action.CheckInType}, "project_id is required"},
		{"bad timestamp", action.Envelope{ID: "a1", ActionType: action.CheckInType, ProjectID: "P1", Timestamp: "yesterday"}, "timestamp must be RFC 3339"},
		{"missing payload", envelope(action.CheckInType, ``), "payload is required"},
		{"null payload", envelope(action.CheckInType, `null`), "payload is required"},
		{"missing coordinates", envelope(action.CheckInType, `{"timestamp":"2024-03-01T08:00:00Z"}`), "payload.latitude and payload.longitude are required"},
		{"latitude range", envelope(action.TrackType, `{"latitude":91,"longitude":0}`), "payload.latitude must be between -90 and 90"},
		{"longitude range", envelope(action.TrackType, `{"latitude":0,"longitude":-181}`), "payload.longitude must be between -180 and 180"},
		{"payload timestamp", envelope(action.CheckOutType, `{"lat":1,"lon":1,"timestamp":"T1"}`), "payload.timestamp must be RFC 3339"},
		{"zero quantity", envelope(action.CreateMaterialRequestType, `{"material_name":"Sand","quantity":0,"unit":"t"}`), "payload.quantity must be greater than 0"},
		{"bad urgency", envelope(action.CreateMaterialRequestType, `{"material_name":"Sand","quantity":1,"unit":"t","urgency":"ASAP"}`), "payload.urgency ASAP is not one of LOW, MEDIUM, HIGH, URGENT"},
		{"empty update", envelope(action.UpdateMaterialRequestType, `{"material_request_id":"mr-1"}`), "payload has no fields to update"},
		{"dpr date", envelope(action.CreateDPRType, `{"report_date":"01/03/2024","work_done":"x"}`), "payload.report_date must be YYYY-MM-DD"},
		{"manual order", envelope(action.ManualAttendanceType, `{"labour_id":"L1","date":"2024-03-01","check_in_time":"17:00","check_out_time":"08:00","reason":"x"}`), "payload.check_out_time must be after check_in_time"},
		{"manual reason", envelope(action.ManualAttendanceType, `{"labour_id":"L1","date":"2024-03-01","check_in_time":"08:00"}`), "payload.reason is required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := action.Validate(tc.env)
			require.Error(t, err)
			var verr *action.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.want, verr.Message)
		})
	}
}

func TestValidateRejectsUnknownPayloadFields(t *testing.T) {
	_, err := action.Validate(envelope(action.CreateDPRType, `{"report_date":"2024-03-01","work_done":"x","approved":true}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "payload is invalid")

	_, err = action.Validate(envelope(action.CheckInType, `{"lat":1,"lon":1,"altitude":900}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "payload is invalid")
}

func TestValidateDerivesEntityAndClientTime(t *testing.T) {
	env := envelope(action.CheckInType, `{"lat":1,"lon":2}`)
	env.Timestamp = "2024-03-01T08:00:00+05:30"
	a, err := action.Validate(env)
	require.NoError(t, err)
	assert.Equal(t, action.Attendance, a.EntityType)
	assert.Equal(t, "2024-03-01T02:30:00Z", a.ClientTime.Format("2006-01-02T15:04:05Z07:00"))

	in, ok := a.Payload.(action.CheckIn)
	require.True(t, ok)
	assert.Equal(t, 1.0, *in.Latitude)
	assert.Equal(t, 2.0, *in.Longitude)
}

func TestDecodeRecoversIdentityFromMalformedEnvelope(t *testing.T) {
	env, err := action.Decode(json.RawMessage(`{"id":"a9","action_type":"CHECK_IN","project_id":42}`))
	require.Error(t, err)
	assert.Equal(t, "Malformed action", err.Error())
	assert.Equal(t, "a9", env.ID)
	assert.Equal(t, action.CheckInType, env.ActionType)

	_, err = action.Decode(json.RawMessage(`[1,2,3]`))
	require.Error(t, err)
}
