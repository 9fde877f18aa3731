package pac

import (
	"fmt"
	"log/slog"
	"net"
	"path"
	"strings"
	"time"

	"github.com/robertkrimen/otto"
)

func (e *Engine) registerPacHelpers(vm *otto.Otto) error {
	helpers := map[string]interface{}{
		"isPlainHostName":     pacIsPlainHostName,
		"dnsDomainIs":         pacDnsDomainIs,
		"localHostOrDomainIs": pacLocalHostOrDomainIs,
		"isResolvable":        e.pacIsResolvable,
		"dnsResolve":          e.pacDnsResolve,
		"myIpAddress":         e.pacMyIpAddress,
		"dnsDomainLevels":     pacDnsDomainLevels,
		"isInNet":             e.pacIsInNet,
		"shExpMatch":          pacShExpMatch,
		"weekdayRange":        pacWeekdayRange,
		"dateRange":           pacDateRange,
		"timeRange":           pacTimeRange,
		"alert":               pacAlert,
	}
	for name, fn := range helpers {
		if err := vm.Set(name, fn); err != nil {
			return fmt.Errorf("failed to set PAC helper '%s': %w", name, err)
		}
	}
	return nil
}

func boolValue(call otto.FunctionCall, b bool) otto.Value {
	v, _ := call.Otto.ToValue(b)
	return v
}

func pacAlert(call otto.FunctionCall) otto.Value {
	message, _ := call.Argument(0).ToString()
	slog.Warn("[PAC Alert]", "message", message)
	return otto.UndefinedValue()
}

func pacIsPlainHostName(call otto.FunctionCall) otto.Value {
	host, _ := call.Argument(0).ToString()
	return boolValue(call, !strings.Contains(host, ".") && net.ParseIP(host) == nil)
}

func pacDnsDomainIs(call otto.FunctionCall) otto.Value {
	host, _ := call.Argument(0).ToString()
	domain, _ := call.Argument(1).ToString()
	return boolValue(call, dnsDomainIs(host, domain))
}

// dnsDomainIs matches host against domain, with or without the leading dot.
func dnsDomainIs(host, domain string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	domain = strings.ToLower(strings.TrimSuffix(strings.TrimPrefix(domain, "."), "."))
	if domain == "" {
		return false
	}
	return host == domain || strings.HasSuffix(host, "."+domain)
}

func pacLocalHostOrDomainIs(call otto.FunctionCall) otto.Value {
	host, _ := call.Argument(0).ToString()
	hostdom, _ := call.Argument(1).ToString()
	host = strings.ToLower(host)
	hostdom = strings.ToLower(hostdom)
	if host == hostdom {
		return boolValue(call, true)
	}
	if !strings.Contains(host, ".") {
		return boolValue(call, strings.HasPrefix(hostdom, host+"."))
	}
	return boolValue(call, false)
}

func pacDnsDomainLevels(call otto.FunctionCall) otto.Value {
	host, _ := call.Argument(0).ToString()
	host = strings.TrimSuffix(host, ".")
	levels := 0
	if host != "" && net.ParseIP(host) == nil {
		levels = strings.Count(host, ".")
	}
	v, _ := call.Otto.ToValue(levels)
	return v
}

func pacShExpMatch(call otto.FunctionCall) otto.Value {
	str, _ := call.Argument(0).ToString()
	pattern, _ := call.Argument(1).ToString()
	// path.Match treats '/' specially; PAC globs do not, so match against a
	// separator-free copy when the pattern has no slash.
	subject := str
	if !strings.Contains(pattern, "/") {
		subject = strings.ReplaceAll(str, "/", "\x00")
	}
	matched, err := path.Match(pattern, subject)
	if err != nil {
		slog.Warn("Error in PAC shExpMatch evaluation", "pattern", pattern, "string", str, "error", err)
		matched = false
	}
	return boolValue(call, matched)
}

func (e *Engine) pacDnsResolve(call otto.FunctionCall) otto.Value {
	host, _ := call.Argument(0).ToString()
	host = strings.TrimSpace(host)
	if host == "" {
		return otto.NullValue()
	}
	if net.ParseIP(host) != nil {
		v, _ := call.Otto.ToValue(host)
		return v
	}
	ip, err := e.lookup(host)
	if err != nil {
		slog.Debug("PAC dnsResolve: DNS lookup failed", "host", host, "error", err)
		return otto.NullValue()
	}
	v, _ := call.Otto.ToValue(ip)
	return v
}

func (e *Engine) pacIsResolvable(call otto.FunctionCall) otto.Value {
	resolved := e.pacDnsResolve(call)
	return boolValue(call, !resolved.IsNull() && !resolved.IsUndefined())
}

func (e *Engine) pacMyIpAddress(call otto.FunctionCall) otto.Value {
	ip, ok := e.getMyIP()
	if !ok {
		ip = findMyIP()
		e.setMyIP(ip)
	}
	v, _ := call.Otto.ToValue(ip)
	return v
}

// findMyIP returns the first global unicast IPv4 address, then the first
// global IPv6 address, then the loopback address.
func findMyIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		slog.Warn("PAC myIpAddress: failed to get interface addresses", "error", err)
		return "127.0.0.1"
	}
	var firstIPv6 string
	for _, address := range addrs {
		ipnet, ok := address.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipnet.IP
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsMulticast() || ip.IsUnspecified() {
			continue
		}
		if ip4 := ip.To4(); ip4 != nil {
			return ip4.String()
		}
		if firstIPv6 == "" {
			firstIPv6 = ip.String()
		}
	}
	if firstIPv6 != "" {
		return firstIPv6
	}
	return "127.0.0.1"
}

func (e *Engine) pacIsInNet(call otto.FunctionCall) otto.Value {
	hostArg := call.Argument(0)
	pattern, errPattern := call.Argument(1).ToString()
	mask, errMask := call.Argument(2).ToString()
	if !hostArg.IsString() || errPattern != nil || errMask != nil {
		return boolValue(call, false)
	}

	host, _ := hostArg.ToString()
	host = strings.TrimSpace(host)
	if net.ParseIP(host) == nil {
		ip, err := e.lookup(host)
		if err != nil {
			slog.Debug("PAC isInNet: failed to resolve host", "host", host, "error", err)
			return boolValue(call, false)
		}
		host = ip
	}
	return boolValue(call, ipIsInNet(host, pattern, mask))
}

func ipIsInNet(ipStr, patternStr, maskStr string) bool {
	ip := net.ParseIP(ipStr)
	patternIP := net.ParseIP(patternStr)
	maskIP := net.ParseIP(maskStr)
	if ip == nil || patternIP == nil || maskIP == nil {
		slog.Warn("PAC isInNet: failed to parse one or more IP/mask strings", "ip", ipStr, "pattern", patternStr, "mask", maskStr)
		return false
	}

	if ip.To4() != nil && patternIP.To4() != nil && maskIP.To4() != nil {
		mask := net.IPMask(maskIP.To4())
		return ip.To4().Mask(mask).Equal(patternIP.To4().Mask(mask))
	}
	if ip.To4() == nil && patternIP.To4() == nil {
		mask := net.IPMask(maskIP.To16())
		return ip.To16().Mask(mask).Equal(patternIP.To16().Mask(mask))
	}
	slog.Warn("PAC isInNet: IP address versions mismatch", "ip", ipStr, "pattern", patternStr, "mask", maskStr)
	return false
}

func pacWeekdayRange(call otto.FunctionCall) otto.Value {
	args := stringArgs(call)
	gmt := len(args) > 0 && strings.EqualFold(args[len(args)-1], "GMT")
	if gmt {
		args = args[:len(args)-1]
	}
	if len(args) < 1 || len(args) > 2 {
		slog.Warn("PAC weekdayRange: incorrect number of arguments")
		return boolValue(call, false)
	}

	wd1 := parseWeekday(args[0])
	wd2 := wd1
	if len(args) == 2 {
		wd2 = parseWeekday(args[1])
	}
	if wd1 == -1 || wd2 == -1 {
		slog.Warn("PAC weekdayRange: invalid weekday string", "args", args)
		return boolValue(call, false)
	}

	current := now(gmt).Weekday()
	if wd1 <= wd2 {
		return boolValue(call, current >= wd1 && current <= wd2)
	}
	return boolValue(call, current >= wd1 || current <= wd2)
}

func parseWeekday(wdStr string) time.Weekday {
	switch strings.ToUpper(wdStr) {
	case "SUN":
		return time.Sunday
	case "MON":
		return time.Monday
	case "TUE":
		return time.Tuesday
	case "WED":
		return time.Wednesday
	case "THU":
		return time.Thursday
	case "FRI":
		return time.Friday
	case "SAT":
		return time.Saturday
	default:
		return -1
	}
}

// pacDateRange supports the day-of-month forms: dateRange(day) and
// dateRange(day1, day2), optionally followed by "GMT".
func pacDateRange(call otto.FunctionCall) otto.Value {
	args := stringArgs(call)
	gmt := len(args) > 0 && strings.EqualFold(args[len(args)-1], "GMT")
	if gmt {
		args = args[:len(args)-1]
	}
	if len(args) < 1 || len(args) > 2 {
		slog.Warn("PAC dateRange: only day-of-month ranges are supported")
		return boolValue(call, false)
	}
	var days [2]int
	for i := range days {
		src := args[0]
		if i < len(args) {
			src = args[i]
		}
		if _, err := fmt.Sscanf(src, "%d", &days[i]); err != nil {
			slog.Warn("PAC dateRange: currently only supports numeric day-of-month", "arg", src)
			return boolValue(call, false)
		}
	}
	day := now(gmt).Day()
	return boolValue(call, inRange(day, days[0], days[1]))
}

// pacTimeRange supports timeRange(hour) and timeRange(hour1, hour2),
// optionally followed by "GMT".
func pacTimeRange(call otto.FunctionCall) otto.Value {
	args := stringArgs(call)
	gmt := len(args) > 0 && strings.EqualFold(args[len(args)-1], "GMT")
	if gmt {
		args = args[:len(args)-1]
	}
	if len(args) < 1 || len(args) > 2 {
		slog.Warn("PAC timeRange: only hour ranges are supported")
		return boolValue(call, false)
	}
	var hours [2]int
	for i := range hours {
		src := args[0]
		if i < len(args) {
			src = args[i]
		}
		if _, err := fmt.Sscanf(src, "%d", &hours[i]); err != nil {
			slog.Warn("PAC timeRange: currently only supports numeric hour", "arg", src)
			return boolValue(call, false)
		}
	}
	hour := now(gmt).Hour()
	if len(args) == 1 {
		return boolValue(call, hour == hours[0])
	}
	// The end hour is exclusive.
	if hours[0] <= hours[1] {
		return boolValue(call, hour >= hours[0] && hour < hours[1])
	}
	return boolValue(call, hour >= hours[0] || hour < hours[1])
}

func stringArgs(call otto.FunctionCall) []string {
	out := make([]string, 0, len(call.ArgumentList))
	for _, a := range call.ArgumentList {
		if a.IsUndefined() {
			continue
		}
		s, _ := a.ToString()
		out = append(out, s)
	}
	return out
}

func inRange(v, lo, hi int) bool {
	if lo <= hi {
		return v >= lo && v <= hi
	}
	return v >= lo || v <= hi
}

func now(gmt bool) time.Time {
	if gmt {
		return time.Now().UTC()
	}
	return time.Now()
}
