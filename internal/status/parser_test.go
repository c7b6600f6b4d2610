package status

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const finishedLog = `
PLAY [alice] *******************************************************************

TASK [Gathering Facts] *********************************************************
ok: [aabbccddeeff]
fatal: [112233445566]: FAILED! => {"changed": false, "msg": "apt failed"}

TASK [scripts : copy script configs] *******************************************
changed: [aabbccddeeff]

PLAY RECAP *********************************************************************
aabbccddeeff               : ok=5    changed=1    unreachable=0    failed=0    skipped=2    rescued=0    ignored=0
112233445566               : ok=1    changed=0    unreachable=0    failed=1    skipped=0    rescued=0    ignored=0
223344556677               : ok=0    changed=0    unreachable=1    failed=0
`

const runningLog = `
PLAY [alice] *******************************************************************

TASK [Gathering Facts] *********************************************************
ok: [aabbccddeeff]
`

func TestParseLogFinished(t *testing.T) {
	report, err := ParseLog(strings.NewReader(finishedLog))
	require.NoError(t, err)
	assert.True(t, report.Finished)
	require.Len(t, report.Hosts, 3)

	assert.Equal(t, HostSummary{Host: "aabbccddeeff", OK: 5, Changed: 1}, report.Hosts["aabbccddeeff"])
	assert.True(t, report.Hosts["aabbccddeeff"].Succeeded())
	assert.False(t, report.Hosts["112233445566"].Succeeded())
	assert.False(t, report.Hosts["223344556677"].Succeeded())
}

func TestParseLogRunning(t *testing.T) {
	report, err := ParseLog(strings.NewReader(runningLog))
	require.NoError(t, err)
	assert.False(t, report.Finished)
	assert.Empty(t, report.Hosts)
}

func TestParseLogMinimalSummary(t *testing.T) {
	log := "PLAY RECAP\naabbccddeeff : ok=5 changed=0 unreachable=0 failed=0\n"

	report, err := ParseLog(strings.NewReader(log))
	require.NoError(t, err)
	assert.True(t, report.Finished)
	assert.True(t, report.Hosts["aabbccddeeff"].Succeeded())
}

func TestParseLogIgnoresSummaryShapedLinesBeforeMarker(t *testing.T) {
	log := "aabbccddeeff : ok=1 changed=0 unreachable=0 failed=0\n"

	report, err := ParseLog(strings.NewReader(log))
	require.NoError(t, err)
	assert.False(t, report.Finished)
	assert.Empty(t, report.Hosts)
}

func TestParseLogEmpty(t *testing.T) {
	report, err := ParseLog(strings.NewReader(""))
	require.NoError(t, err)
	assert.False(t, report.Finished)
}

func TestParseLogOverlongLines(t *testing.T) {
	log := "TASK [debug] " + strings.Repeat("x", 2<<20) + "\n" +
		"PLAY RECAP ****\n" +
		"aabbccddeeff : ok=5 changed=0 unreachable=0 failed=0    " + strings.Repeat("y", 200<<10) + "\n" +
		"112233445566 : ok=1 changed=0 unreachable=0 failed=1\n"

	report, err := ParseLog(strings.NewReader(log))
	require.NoError(t, err)
	assert.True(t, report.Finished)
	require.Len(t, report.Hosts, 2)
	assert.True(t, report.Hosts["aabbccddeeff"].Succeeded())
	assert.False(t, report.Hosts["112233445566"].Succeeded())
}

func TestParseLogWithoutTrailingNewline(t *testing.T) {
	report, err := ParseLog(strings.NewReader("PLAY RECAP\naabbccddeeff : ok=5 changed=0 unreachable=0 failed=0"))
	require.NoError(t, err)
	assert.True(t, report.Hosts["aabbccddeeff"].Succeeded())
}
