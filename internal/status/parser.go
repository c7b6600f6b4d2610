// Package status reports the progress and outcome of configuration runs by
// reading the runner's log.
package status

import (
	"bufio"
	"io"
	"regexp"
	"strconv"
	"strings"
)

// RecapMarker starts the runner's terminal summary. Per-host summary lines
// follow it.
const RecapMarker = "PLAY RECAP"

// summaryLine matches "<host> : ok=<n> changed=<n> unreachable=<n> failed=<n>".
// Newer runner versions append more counters, which are ignored.
var summaryLine = regexp.MustCompile(`^(\S+)\s+:\s+ok=(\d+)\s+changed=(\d+)\s+unreachable=(\d+)\s+failed=(\d+)`)

// HostSummary holds the counters of one host in the terminal summary
type HostSummary struct {
	Host        string
	OK          int
	Changed     int
	Unreachable int
	Failed      int
}

// Succeeded reports whether no task failed and the host was reachable
func (h HostSummary) Succeeded() bool {
	return h.Unreachable+h.Failed == 0
}

// LogReport is what a run log says about a run
type LogReport struct {
	// Finished is set once the terminal summary has been written
	Finished bool
	Hosts    map[string]HostSummary
}

// maxLineLength bounds how much of a log line is inspected. Longer lines are
// cut there; markers and summary lines are far shorter.
const maxLineLength = 64 * 1024

// ParseLog reads a run log. Summary lines are only recognized after the
// terminal marker, so task output that happens to look like one is ignored.
func ParseLog(r io.Reader) (LogReport, error) {
	report := LogReport{Hosts: make(map[string]HostSummary)}

	br := bufio.NewReaderSize(r, maxLineLength)
	for {
		chunk, isPrefix, err := br.ReadLine()
		if err == io.EOF {
			return report, nil
		}
		if err != nil {
			return report, err
		}
		line := strings.TrimSpace(string(chunk))
		for isPrefix {
			_, isPrefix, err = br.ReadLine()
			if err == io.EOF {
				break
			}
			if err != nil {
				return report, err
			}
		}
		report.add(line)
	}
}

func (r *LogReport) add(line string) {
	if !r.Finished {
		r.Finished = strings.HasPrefix(line, RecapMarker)
		return
	}

	m := summaryLine.FindStringSubmatch(line)
	if m == nil {
		return
	}
	h := HostSummary{Host: m[1]}
	h.OK, _ = strconv.Atoi(m[2])
	h.Changed, _ = strconv.Atoi(m[3])
	h.Unreachable, _ = strconv.Atoi(m[4])
	h.Failed, _ = strconv.Atoi(m[5])
	r.Hosts[h.Host] = h
}
