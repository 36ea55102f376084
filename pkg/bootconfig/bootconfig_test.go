/*
   Copyright The fsavb Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package bootconfig

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const referenceCmdline = "rcupdate.rcu_expedited=1 rootwait ro " +
	"init=/init androidboot.bootdevice=1d84000.ufshc " +
	"androidboot.baseband=sdy androidboot.keymaster=1  skip_initramfs " +
	"androidboot.serialno=BLAHBLAHBLAH androidboot.slot_suffix=_a " +
	"androidboot.hardware.platform=sdw813 androidboot.hardware=foo " +
	"androidboot.revision=EVT1.0 androidboot.bootloader=burp-0.1-7521 " +
	"androidboot.hardware.sku=mary androidboot.hardware.radio.subtype=0 " +
	"androidboot.dtbo_idx=2 androidboot.mode=normal " +
	"androidboot.hardware.ddr=1GB,combuchi,LPDDR4X " +
	"androidboot.ddr_info=combuchiandroidboot.ddr_size=2GB " +
	"androidboot.hardware.ufs=2GB,combushi " +
	"androidboot.boottime=0BLE:58,1BLL:22,1BLE:571,2BLL:105,ODT:0,AVB:123 " +
	"androidboot.ramdump=disabled " +
	"dm=\"1 vroot none ro 1,0 10416 verity 1 624684 fec_start 624684\" " +
	"root=/dev/dm-0 " +
	"androidboot.vbmeta.device=PARTUUID=aa08f1a4-c7c9-402e-9a66-9707cafa9ceb " +
	"androidboot.vbmeta.avb_version=\"1.1\" " +
	"androidboot.vbmeta.device_state=unlocked " +
	"androidboot.vbmeta.hash_alg=sha256 androidboot.vbmeta.size=5248 " +
	"androidboot.vbmeta.digest=" +
	"ac13147e959861c20f2a6da97d25fe79e60e902c022a371c5c039d31e7c68860 " +
	"androidboot.vbmeta.invalidate_on_error=yes " +
	"androidboot.veritymode=enforcing androidboot.verifiedbootstate=orange " +
	"androidboot.space=\"sha256 5248 androidboot.nospace=nope\" " +
	"printk.devkmsg=on msm_rtb.filter=0x237 ehci-hcd.park=3 " +
	"\"string =\"\"string '\" " +
	"service_locator.enable=1 firmware_class.path=/vendor/firmware " +
	"cgroup.memory=nokmem lpm_levels.sleep_disabled=1 " +
	"buildvariant=userdebug  console=null " +
	"terminator=\"truncated"

var referenceEntries = List{
	{"rcupdate.rcu_expedited", "1"},
	{"rootwait", ""},
	{"ro", ""},
	{"init", "/init"},
	{"androidboot.bootdevice", "1d84000.ufshc"},
	{"androidboot.baseband", "sdy"},
	{"androidboot.keymaster", "1"},
	{"skip_initramfs", ""},
	{"androidboot.serialno", "BLAHBLAHBLAH"},
	{"androidboot.slot_suffix", "_a"},
	{"androidboot.hardware.platform", "sdw813"},
	{"androidboot.hardware", "foo"},
	{"androidboot.revision", "EVT1.0"},
	{"androidboot.bootloader", "burp-0.1-7521"},
	{"androidboot.hardware.sku", "mary"},
	{"androidboot.hardware.radio.subtype", "0"},
	{"androidboot.dtbo_idx", "2"},
	{"androidboot.mode", "normal"},
	{"androidboot.hardware.ddr", "1GB,combuchi,LPDDR4X"},
	{"androidboot.ddr_info", "combuchiandroidboot.ddr_size=2GB"},
	{"androidboot.hardware.ufs", "2GB,combushi"},
	{"androidboot.boottime", "0BLE:58,1BLL:22,1BLE:571,2BLL:105,ODT:0,AVB:123"},
	{"androidboot.ramdump", "disabled"},
	{"dm", "1 vroot none ro 1,0 10416 verity 1 624684 fec_start 624684"},
	{"root", "/dev/dm-0"},
	{"androidboot.vbmeta.device", "PARTUUID=aa08f1a4-c7c9-402e-9a66-9707cafa9ceb"},
	{"androidboot.vbmeta.avb_version", "1.1"},
	{"androidboot.vbmeta.device_state", "unlocked"},
	{"androidboot.vbmeta.hash_alg", "sha256"},
	{"androidboot.vbmeta.size", "5248"},
	{"androidboot.vbmeta.digest", "ac13147e959861c20f2a6da97d25fe79e60e902c022a371c5c039d31e7c68860"},
	{"androidboot.vbmeta.invalidate_on_error", "yes"},
	{"androidboot.veritymode", "enforcing"},
	{"androidboot.verifiedbootstate", "orange"},
	{"androidboot.space", "sha256 5248 androidboot.nospace=nope"},
	{"printk.devkmsg", "on"},
	{"msm_rtb.filter", "0x237"},
	{"ehci-hcd.park", "3"},
	{"string ", "string '"},
	{"service_locator.enable", "1"},
	{"firmware_class.path", "/vendor/firmware"},
	{"cgroup.memory", "nokmem"},
	{"lpm_levels.sleep_disabled", "1"},
	{"buildvariant", "userdebug"},
	{"console", "null"},
	{"terminator", "truncated"},
}

func TestParseReferenceCmdline(t *testing.T) {
	assert.Equal(t, referenceEntries, Parse(referenceCmdline))
}

func TestValue(t *testing.T) {
	list := Parse(referenceCmdline)

	for _, e := range referenceEntries {
		if !strings.HasPrefix(e.Key, Prefix) {
			continue
		}
		key := strings.TrimPrefix(e.Key, Prefix)
		value, ok := list.Value(key)
		require.True(t, ok, "key %q", key)
		assert.Equal(t, e.Value, value, "key %q", key)
	}
}

func TestValueBoundaries(t *testing.T) {
	list := Parse(referenceCmdline)

	// A strict substring of a key must not match.
	_, ok := list.Value("vbmeta.avb_versio")
	assert.False(t, ok)

	// A key appearing inside another entry's value must not match.
	_, ok = list.Value("nospace")
	assert.False(t, ok)

	value, ok := list.Value("vbmeta.avb_version")
	require.True(t, ok)
	assert.Equal(t, "1.1", value)
}

func TestParseEdgeCases(t *testing.T) {
	for _, tc := range []struct {
		name    string
		cmdline string
		want    List
	}{
		{"empty", "", nil},
		{"spaces only", "   ", nil},
		{"bare key", "rootwait", List{{"rootwait", ""}}},
		{"key equals nothing", "console=", List{{"console", ""}}},
		{"quoted value with space", `a="b c"d`, List{{"a", "b cd"}}},
		{"unbalanced quote", `terminator="truncated`, List{{"terminator", "truncated"}}},
		{"value keeps later equals", "a=b=c", List{{"a", "b=c"}}},
		{"quoted span keeps equals in value", `space="x=y z"`, List{{"space", "x=y z"}}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Parse(tc.cmdline))
		})
	}
}

// Re-emitting the pairs and parsing again must reproduce the sequence,
// for entries without embedded quotes.
func TestParseRoundTrip(t *testing.T) {
	list := Parse(referenceCmdline)

	var parts []string
	for _, e := range list {
		token := e.Key + "=" + e.Value
		if strings.Contains(token, " ") {
			token = `"` + token + `"`
		}
		parts = append(parts, token)
	}

	assert.Equal(t, list, Parse(strings.Join(parts, " ")))
}
