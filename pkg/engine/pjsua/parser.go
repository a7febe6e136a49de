package pjsua

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/arzzra/sessionbridge/pkg/engine"
)

var (
	// [0] CONFIRMED to sip:bob@example.com [ACTIVE]
	callLineRe = regexp.MustCompile(`\[\s*(\d+)\]\s+(\w+)\s+(to|for|from)\s+(\S+)(?:\s+\[(\w+)\])?`)

	// [ 1] sip:alice@example.com: 200/OK (expires=299)
	accLineRe    = regexp.MustCompile(`\[\s*(\d+)\]\s+<?(\S+?)>?:\s+(.*)$`)
	accStatusRe  = regexp.MustCompile(`^(\d{3})/([^(]*?)\s*(?:\(expires=(-?\d+)\))?$`)
	accAddedRe   = regexp.MustCompile(`Account (\d+) added`)
	buddyAddedRe = regexp.MustCompile(`Buddy (\d+) added`)

	// [1] sip:bob@example.com [Online] "Idle"
	buddyLineRe = regexp.MustCompile(`\[\s*(\d+)\]\s+<?([^\s>]+)>?\s+\[([^\]]+)\](?:\s+"([^"]*)")?`)

	// [2] Built-in microphone (ALSA) 1/0
	audioDevRe = regexp.MustCompile(`\[\s*(\d+)\]\s+([^(]+?)\s+\(([^)]+)\)\s+(\d+)/(\d+)`)

	// [0] HD Camera (v4l2) [capture]
	videoDevRe = regexp.MustCompile(`\[\s*(\d+)\]\s+([^(]+?)\s+\(([^)]+)\)\s+\[(\w+)\]`)
	videoFmtRe = regexp.MustCompile(`(\d+)x(\d+)@(\d+)fps`)

	// Port #01[Master/sound] ...
	confPortRe = regexp.MustCompile(`Port\s+#(\d+)\[([^\]]+)\]`)

	callIDPatterns = []*regexp.Regexp{
		regexp.MustCompile(`[Cc]all (\d+)`),
		regexp.MustCompile(`id=(\d+)`),
		regexp.MustCompile(`\[(\d+)\]`),
	}
)

// callLine строка списка звонков
type callLine struct {
	ID     engine.CallID
	State  engine.CallState
	Role   engine.Role
	Remote string
	Media  engine.MediaStatus
}

func parseCalls(out string) []callLine {
	var calls []callLine
	for _, line := range strings.Split(out, "\n") {
		m := callLineRe.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		st, ok := engine.ParseCallState(m[2])
		if !ok {
			continue
		}
		id, _ := strconv.Atoi(m[1])
		cl := callLine{
			ID:     engine.CallID(id),
			State:  st,
			Remote: strings.Trim(m[4], "<>"),
			Media:  parseMediaStatus(m[5]),
		}
		if m[3] == "from" || st == engine.CallStateIncoming {
			cl.Role = engine.RoleUAS
		}
		calls = append(calls, cl)
	}
	return calls
}

func parseMediaStatus(s string) engine.MediaStatus {
	switch strings.ToUpper(s) {
	case "ACTIVE":
		return engine.MediaStatusActive
	case "LOCAL_HOLD":
		return engine.MediaStatusLocalHold
	case "REMOTE_HOLD":
		return engine.MediaStatusRemoteHold
	case "ERROR":
		return engine.MediaStatusError
	}
	return engine.MediaStatusNone
}

// accLine строка списка аккаунтов
type accLine struct {
	ID      int
	URI     string
	Code    int
	Reason  string
	Expires int
}

func parseAccounts(out string) []accLine {
	var accs []accLine
	for _, line := range strings.Split(out, "\n") {
		m := accLineRe.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		id, _ := strconv.Atoi(m[1])
		a := accLine{ID: id, URI: m[2], Reason: strings.TrimSpace(m[3])}
		if s := accStatusRe.FindStringSubmatch(a.Reason); s != nil {
			a.Code, _ = strconv.Atoi(s[1])
			a.Reason = strings.TrimSpace(s[2])
			if s[3] != "" {
				a.Expires, _ = strconv.Atoi(s[3])
			}
		}
		accs = append(accs, a)
	}
	return accs
}

type buddyLine struct {
	ID         int
	URI        string
	Status     engine.PresenceStatus
	StatusText string
}

func parseBuddies(out string) []buddyLine {
	var buddies []buddyLine
	for _, line := range strings.Split(out, "\n") {
		m := buddyLineRe.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		id, _ := strconv.Atoi(m[1])
		b := buddyLine{ID: id, URI: m[2], StatusText: m[4]}
		switch strings.ToLower(m[3]) {
		case "online":
			b.Status = engine.PresenceOnline
		case "offline":
			b.Status = engine.PresenceOffline
		}
		if b.StatusText == "" {
			b.StatusText = m[3]
		}
		buddies = append(buddies, b)
	}
	return buddies
}

func parseAudioDevices(out string) []engine.DeviceInfo {
	var devs []engine.DeviceInfo
	for _, line := range strings.Split(out, "\n") {
		m := audioDevRe.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		id, _ := strconv.Atoi(m[1])
		in, _ := strconv.Atoi(m[4])
		outCh, _ := strconv.Atoi(m[5])
		devs = append(devs, engine.DeviceInfo{
			ID:          id,
			Kind:        engine.DeviceAudio,
			Name:        m[2],
			Driver:      m[3],
			InputCount:  in,
			OutputCount: outCh,
		})
	}
	return devs
}

// parseVideoDevices разбирает устройства и их форматы. Строки форматов
// следуют за строкой устройства.
func parseVideoDevices(out string) []engine.DeviceInfo {
	var devs []engine.DeviceInfo
	rendering := false
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if m := videoDevRe.FindStringSubmatch(line); m != nil {
			id, _ := strconv.Atoi(m[1])
			if strings.EqualFold(m[4], "render") {
				// окна вывода не являются источниками захвата
				rendering = true
				continue
			}
			rendering = false
			d := engine.DeviceInfo{ID: id, Kind: engine.DeviceVideo, Name: m[2], Driver: m[3]}
			devs = append(devs, d)
			continue
		}
		if len(devs) == 0 || rendering {
			continue
		}
		if m := videoFmtRe.FindStringSubmatch(line); m != nil {
			w, _ := strconv.Atoi(m[1])
			h, _ := strconv.Atoi(m[2])
			fps, _ := strconv.Atoi(m[3])
			f := engine.VideoFormat{Width: w, Height: h, FPS: fps}
			for _, name := range []string{"I420", "NV12", "YUY2", "MJPG", "RGB24"} {
				if strings.Contains(line, name) {
					f.Format = name
					break
				}
			}
			last := &devs[len(devs)-1]
			last.Formats = append(last.Formats, f)
		}
	}
	return devs
}

// parseConfPorts слоты моста: номер и имя
func parseConfPorts(out string) map[engine.MediaPort]string {
	ports := make(map[engine.MediaPort]string)
	for _, m := range confPortRe.FindAllStringSubmatch(out, -1) {
		id, _ := strconv.Atoi(m[1])
		ports[engine.MediaPort(id)] = m[2]
	}
	return ports
}

func parseAddedID(re *regexp.Regexp, out string) (int, bool) {
	m := re.FindStringSubmatch(out)
	if m == nil {
		return 0, false
	}
	id, err := strconv.Atoi(m[1])
	return id, err == nil
}

func parseNewCallID(out string) (engine.CallID, bool) {
	for _, re := range callIDPatterns {
		if id, ok := parseAddedID(re, out); ok {
			return engine.CallID(id), true
		}
	}
	return engine.InvalidID, false
}
