// Package metricsx extends github.com/VictoriaMetrics/metrics with helpers
// for building metric names with dynamic label values.
package metricsx

import "strings"

// Name builds a metric name of the form base{arg,k1="v1",k2="v2",...} for use
// with a *metrics.Set's GetOrCreate* methods, where kv is alternating
// key/value pairs. Use this instead of hand-building label strings whenever a
// label value isn't a compile-time constant.
func Name(base, arg string, kv ...string) string {
	return formatName(base, arg, kv...)
}

// Split separates name into its base and existing label-set argument, e.g.
// `foo{a="b"}` becomes (`foo`, `a="b"`).
func Split(name string) (base, arg string) {
	return splitName(name)
}

func splitName(name string) (base, arg string) {
	if n := len(name); n != 0 {
		base = name
		for i, r := range base {
			if r == '{' {
				if j := len(base) - 1; j > i && base[j] == '}' {
					base, arg = base[:i], base[i+1:j]
					break
				}
			}
		}
	}
	return
}

func formatName(base, arg string, args ...string) string {
	var b strings.Builder
	b.WriteString(base)
	b.WriteByte('{')
	if arg != "" {
		b.WriteString(arg)
	}
	for i := 1; i < len(args); i += 2 {
		if arg != "" || i > 1 {
			b.WriteByte(',')
		}
		b.WriteString(args[i-1])
		b.WriteString("=\"")
		b.WriteString(args[i])
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String()
}
