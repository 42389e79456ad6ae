// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package version

import (
	"testing"
	"time"

	"github.com/shoenig/test/must"
	"github.com/tilesched/tilesched/ci"
)

func TestVersionInfo_FullVersionNumber(t *testing.T) {
	ci.Parallel(t)

	built := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		info *VersionInfo
		rev  bool
		exp  string
	}{
		{
			name: "release",
			info: &VersionInfo{Version: "1.2.0"},
			exp:  "tilesched v1.2.0",
		},
		{
			name: "prerelease with metadata",
			info: &VersionInfo{Version: "1.2.0", VersionPrerelease: "rc1", VersionMetadata: "ent"},
			exp:  "tilesched v1.2.0-rc1+ent",
		},
		{
			name: "build date and revision",
			info: &VersionInfo{Version: "1.2.0", BuildDate: built, Revision: "abc123"},
			rev:  true,
			exp:  "tilesched v1.2.0\nBuildDate 2024-03-01T12:00:00Z\nRevision abc123",
		},
		{
			name: "revision hidden",
			info: &VersionInfo{Version: "1.2.0", Revision: "abc123"},
			exp:  "tilesched v1.2.0",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			must.Eq(t, tc.exp, tc.info.FullVersionNumber(tc.rev))
		})
	}
}

func TestGetVersion(t *testing.T) {
	info := GetVersion()
	must.Eq(t, Version, info.Version)
	must.Eq(t, VersionPrerelease, info.VersionPrerelease)
	must.Eq(t, Version+"-"+VersionPrerelease, info.VersionNumber())
	must.True(t, info.BuildDate.IsZero())
}
