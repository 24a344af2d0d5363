package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/BrandonDHaskell/interjornada/server/internal/device"
	"github.com/BrandonDHaskell/interjornada/server/internal/interjornada/store"
	"github.com/BrandonDHaskell/interjornada/server/internal/interjornada/types"
)

// GroupLister lists the device's access groups.
type GroupLister interface {
	ListGroups(ctx context.Context) ([]device.Group, error)
}

// GroupNames are the configured names looked up on the device.
type GroupNames struct {
	Denial    string
	Exemption string // optional
	Default   string
}

// ResolveGroups finds the denial, default and exemption groups by name
// (case-insensitive) and mirrors every device group locally. A missing
// denial or default group is an error; a missing exemption group only
// disables group-based exemption.
func ResolveGroups(ctx context.Context, lister GroupLister, employees store.EmployeeStore, names GroupNames) (Groups, error) {
	list, err := lister.ListGroups(ctx)
	if err != nil {
		return Groups{}, fmt.Errorf("resolve groups: %w", err)
	}

	var (
		g                   Groups
		haveDenial, haveDef bool
	)
	for _, dg := range list {
		ag := types.AccessGroup{DeviceGroupID: dg.ID, Name: dg.Name}
		switch {
		case strings.EqualFold(dg.Name, names.Denial):
			g.Denial, haveDenial = dg.ID, true
			ag.IsDenialGroup = true
		case names.Exemption != "" && strings.EqualFold(dg.Name, names.Exemption):
			id := dg.ID
			g.Exemption = &id
			ag.IsExemptionGroup = true
		case strings.EqualFold(dg.Name, names.Default):
			g.Default, haveDef = dg.ID, true
		}
		if err := employees.UpsertGroup(ctx, ag); err != nil {
			return Groups{}, fmt.Errorf("resolve groups: mirror %q: %w", dg.Name, err)
		}
	}

	if !haveDenial {
		return Groups{}, fmt.Errorf("resolve groups: denial group %q not found on device", names.Denial)
	}
	if !haveDef {
		return Groups{}, fmt.Errorf("resolve groups: default group %q not found on device", names.Default)
	}
	return g, nil
}

// GroupsFromStore rebuilds Groups from the local mirror, for commands that
// run without reaching the device.
func GroupsFromStore(ctx context.Context, employees store.EmployeeStore, names GroupNames) (Groups, error) {
	list, err := employees.Groups(ctx)
	if err != nil {
		return Groups{}, err
	}
	devGroups := make([]device.Group, 0, len(list))
	for _, ag := range list {
		devGroups = append(devGroups, device.Group{ID: ag.DeviceGroupID, Name: ag.Name})
	}
	return ResolveGroups(ctx, staticGroups(devGroups), employees, names)
}

type staticGroups []device.Group

func (s staticGroups) ListGroups(context.Context) ([]device.Group, error) { return s, nil }
