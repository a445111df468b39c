package tflitemodel

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/afero"

	"github.com/tphakala/rxclassify/internal/errors"
)

// ReadLabels reads one label per line from path. Blank lines are skipped and
// surrounding whitespace is trimmed. Duplicate labels are rejected.
func ReadLabels(fs afero.Fs, path string) ([]string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, labelError(path, fmt.Errorf("open label file: %w", err))
	}
	defer f.Close()

	var labels []string
	seen := make(map[string]int)
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		label := strings.TrimSpace(strings.TrimPrefix(scanner.Text(), "\uFEFF"))
		if label == "" {
			continue
		}
		if prev, ok := seen[label]; ok {
			return nil, labelError(path, fmt.Errorf("duplicate label %q on lines %d and %d", label, prev, line))
		}
		seen[label] = line
		labels = append(labels, label)
	}
	if err := scanner.Err(); err != nil {
		return nil, labelError(path, fmt.Errorf("read label file: %w", err))
	}
	if len(labels) == 0 {
		return nil, labelError(path, fmt.Errorf("label file contains no labels"))
	}
	return labels, nil
}

func labelError(path string, cause error) error {
	return errors.New(cause).
		Component("tflitemodel").
		Category(errors.CategoryLabelLoad).
		FileContext(path, 0).
		Build()
}
