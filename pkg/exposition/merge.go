package exposition

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// Merge parses each text and re-renders all of them as one exposition,
// tagging every series with label=<key>. Families sharing a name are
// combined; a family whose type conflicts with an earlier one is dropped.
// Unparseable inputs are skipped and reported in the returned error along
// with the merged text of the others.
func Merge(label string, texts map[string]string) (string, error) {
	keys := make([]string, 0, len(texts))
	for k := range texts {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	merged := make(map[string]*dto.MetricFamily, 32)

	var errs []error

	for _, key := range keys {
		if strings.TrimSpace(texts[key]) == "" {
			continue
		}

		var parser expfmt.TextParser

		families, err := parser.TextToMetricFamilies(strings.NewReader(texts[key]))
		if err != nil {
			errs = append(errs, fmt.Errorf("parsing %s: %w", key, err))

			continue
		}

		for name, mf := range families {
			for _, m := range mf.Metric {
				m.Label = append(m.Label, &dto.LabelPair{
					Name:  proto.String(label),
					Value: proto.String(key),
				})
			}

			existing, ok := merged[name]
			if !ok {
				merged[name] = mf

				continue
			}

			if existing.GetType() != mf.GetType() {
				errs = append(errs, fmt.Errorf(
					"%s: %s is %s, previously %s", key, name, mf.GetType(), existing.GetType()))

				continue
			}

			existing.Metric = append(existing.Metric, mf.Metric...)
		}
	}

	names := make([]string, 0, len(merged))
	for name := range merged {
		names = append(names, name)
	}

	sort.Strings(names)

	var sb strings.Builder

	for _, name := range names {
		if _, err := expfmt.MetricFamilyToText(&sb, merged[name]); err != nil {
			errs = append(errs, fmt.Errorf("encoding %s: %w", name, err))
		}
	}

	return sb.String(), errors.Join(errs...)
}
