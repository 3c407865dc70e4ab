package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitesync/internal/action"
	"sitesync/internal/domain"
)

func TestBuiltInAllowLists(t *testing.T) {
	labour := Labour()
	assert.True(t, labour.Permits(action.CheckInType))
	assert.True(t, labour.Permits(action.TrackType))
	assert.False(t, labour.Permits(action.CreateDPRType))
	assert.False(t, labour.Permits(action.ManualAttendanceType))

	engineer := Engineer()
	assert.True(t, engineer.Permits(action.CreateDPRType))
	assert.False(t, engineer.Permits(action.TrackType))

	generic := Generic()
	for _, typ := range action.Types() {
		assert.True(t, generic.Permits(typ), typ)
	}
	assert.False(t, generic.Permits("PAY_SALARY"))
}

func TestPinOverridesClaimedRole(t *testing.T) {
	claimed := domain.Actor{ID: "L1", Role: domain.RoleOwner}
	assert.Equal(t, domain.RoleLabour, Labour().Pin(claimed).Role)
	assert.Equal(t, domain.RoleSiteEngineer, Engineer().Pin(claimed).Role)
	assert.Equal(t, domain.RoleOwner, Generic().Pin(claimed).Role, "generic channel keeps the caller's role")
}

func TestRejectReason(t *testing.T) {
	assert.Equal(t, "Invalid action type for labour channel", Labour().RejectReason())
	assert.Equal(t, "Invalid action type for this channel", Generic().RejectReason())
}

func TestNewRejectsUnknownTypes(t *testing.T) {
	_, err := New("custom", domain.RoleLabour, "FLY")
	require.Error(t, err)
	_, err = New("", domain.RoleLabour)
	require.Error(t, err)

	c, err := New("custom", domain.RoleLabour, action.TrackType, action.CheckInType)
	require.NoError(t, err)
	assert.Equal(t, []action.Type{action.CheckInType, action.TrackType}, c.Types())
}

func TestSetGet(t *testing.T) {
	s := Defaults()
	c, err := s.Get(LabourName)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleLabour, c.Role)
	_, err = s.Get("purchase")
	require.Error(t, err)
}
