package service_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/interjornada/server/internal/device"
	"github.com/BrandonDHaskell/interjornada/server/internal/interjornada/service"
	"github.com/BrandonDHaskell/interjornada/server/internal/interjornada/store/memory"
)

type groupList []device.Group

func (g groupList) ListGroups(context.Context) ([]device.Group, error) { return g, nil }

var deviceGroups = groupList{
	{ID: 1, Name: "Colaboradores"},
	{ID: 3, Name: "Bloqueio Interjornada"},
	{ID: 4, Name: "Isentos"},
	{ID: 9, Name: "Visitantes"},
}

var groupNames = service.GroupNames{
	Denial:    "bloqueio interjornada",
	Exemption: "ISENTOS",
	Default:   "Colaboradores",
}

func TestResolveGroups(t *testing.T) {
	ctx := context.Background()
	employees := memory.NewEmployeeStore()

	g, err := service.ResolveGroups(ctx, deviceGroups, employees, groupNames)
	require.NoError(t, err)
	assert.Equal(t, int64(3), g.Denial)
	assert.Equal(t, int64(1), g.Default)
	require.NotNil(t, g.Exemption)
	assert.Equal(t, int64(4), *g.Exemption)

	mirrored, err := employees.Groups(ctx)
	require.NoError(t, err)
	require.Len(t, mirrored, 4)
	for _, ag := range mirrored {
		assert.Equal(t, ag.DeviceGroupID == 3, ag.IsDenialGroup, "group %d", ag.DeviceGroupID)
		assert.Equal(t, ag.DeviceGroupID == 4, ag.IsExemptionGroup, "group %d", ag.DeviceGroupID)
	}
}

func TestResolveGroups_ExemptionIsOptional(t *testing.T) {
	names := groupNames
	names.Exemption = ""

	g, err := service.ResolveGroups(context.Background(), deviceGroups, memory.NewEmployeeStore(), names)
	require.NoError(t, err)
	assert.Nil(t, g.Exemption)
}

func TestResolveGroups_MissingRequiredGroup(t *testing.T) {
	for _, tc := range []struct {
		name  string
		names service.GroupNames
	}{
		{"denial", service.GroupNames{Denial: "Bloqueio", Default: "Colaboradores"}},
		{"default", service.GroupNames{Denial: "Bloqueio Interjornada", Default: "Todos"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := service.ResolveGroups(context.Background(), deviceGroups, memory.NewEmployeeStore(), tc.names)
			assert.ErrorContains(t, err, tc.name+" group")
		})
	}
}

func TestGroupsFromStore(t *testing.T) {
	ctx := context.Background()
	employees := memory.NewEmployeeStore()
	_, err := service.ResolveGroups(ctx, deviceGroups, employees, groupNames)
	require.NoError(t, err)

	g, err := service.GroupsFromStore(ctx, employees, groupNames)
	require.NoError(t, err)
	assert.Equal(t, int64(3), g.Denial)
	assert.Equal(t, int64(1), g.Default)
}
