package mqlight

import (
	"errors"
	"strings"
	"unicode/utf8"
)

var (
	ErrInvalidTopic        = errors.New("invalid topic")
	ErrInvalidTopicPattern = errors.New("invalid topic pattern")
)

const (
	topicSeparator      = '/'
	singleLevelWildcard = '+'
	multiLevelWildcard  = '#'
)

// ValidateTopic checks a topic messages are sent to. Topics cannot contain
// wildcards and must be valid UTF-8.
func ValidateTopic(topic string) error {
	if topic == "" || !utf8.ValidString(topic) {
		return ErrInvalidTopic
	}
	for _, r := range topic {
		if r == 0 || r == singleLevelWildcard || r == multiLevelWildcard {
			return ErrInvalidTopic
		}
	}
	return nil
}

// ValidateTopicPattern checks a subscription pattern. '+' matches one level
// and '#' any number of trailing levels; both must fill a whole level, and
// '#' must be last.
func ValidateTopicPattern(pattern string) error {
	if pattern == "" || !utf8.ValidString(pattern) || strings.ContainsRune(pattern, 0) {
		return ErrInvalidTopicPattern
	}

	levels := strings.Split(pattern, string(topicSeparator))
	for i, level := range levels {
		if strings.ContainsRune(level, singleLevelWildcard) && level != "+" {
			return ErrInvalidTopicPattern
		}
		if strings.ContainsRune(level, multiLevelWildcard) && (level != "#" || i != len(levels)-1) {
			return ErrInvalidTopicPattern
		}
	}
	return nil
}

// TopicMatch reports whether topic matches pattern. It does not allocate.
func TopicMatch(pattern, topic string) bool {
	if pattern == "" || topic == "" {
		return false
	}

	pi, ti := 0, 0
	plen, tlen := len(pattern), len(topic)

	for pi <= plen {
		pstart := pi
		for pi < plen && pattern[pi] != topicSeparator {
			pi++
		}
		plevel := pattern[pstart:pi]

		if plevel == "#" {
			return true
		}
		if ti > tlen {
			return false
		}

		tstart := ti
		for ti < tlen && topic[ti] != topicSeparator {
			ti++
		}
		if plevel != "+" && plevel != topic[tstart:ti] {
			return false
		}

		// Step over the separators. A trailing separator leaves an empty level.
		pi++
		ti++
	}

	return ti > tlen
}

// TopicMatcher indexes values by topic pattern and returns every value whose
// pattern matches a topic. It is not safe for concurrent use.
type TopicMatcher[T comparable] struct {
	root *topicNode[T]
}

type topicNode[T comparable] struct {
	children map[string]*topicNode[T]
	values   []T
}

// NewTopicMatcher creates an empty matcher.
func NewTopicMatcher[T comparable]() *TopicMatcher[T] {
	return &TopicMatcher[T]{root: &topicNode[T]{}}
}

// Add indexes value under pattern.
func (m *TopicMatcher[T]) Add(pattern string, value T) error {
	if err := ValidateTopicPattern(pattern); err != nil {
		return err
	}

	node := m.root
	for _, level := range strings.Split(pattern, string(topicSeparator)) {
		if node.children == nil {
			node.children = make(map[string]*topicNode[T])
		}
		child, ok := node.children[level]
		if !ok {
			child = &topicNode[T]{}
			node.children[level] = child
		}
		node = child
	}

	node.values = append(node.values, value)
	return nil
}

// Remove drops value from pattern and reports whether it was present.
func (m *TopicMatcher[T]) Remove(pattern string, value T) bool {
	node := m.root
	for _, level := range strings.Split(pattern, string(topicSeparator)) {
		child, ok := node.children[level]
		if !ok {
			return false
		}
		node = child
	}

	for i, v := range node.values {
		if v == value {
			node.values = append(node.values[:i], node.values[i+1:]...)
			return true
		}
	}
	return false
}

// Match returns the values of every pattern that matches topic, exact
// levels before wildcards.
func (m *TopicMatcher[T]) Match(topic string) []T {
	if topic == "" {
		return nil
	}

	var values []T
	m.match(m.root, strings.Split(topic, string(topicSeparator)), &values)
	return values
}

func (m *TopicMatcher[T]) match(node *topicNode[T], levels []string, values *[]T) {
	if len(levels) == 0 {
		*values = append(*values, node.values...)
		if child, ok := node.children["#"]; ok {
			*values = append(*values, child.values...)
		}
		return
	}

	if child, ok := node.children[levels[0]]; ok {
		m.match(child, levels[1:], values)
	}
	if child, ok := node.children["+"]; ok {
		m.match(child, levels[1:], values)
	}
	if child, ok := node.children["#"]; ok {
		*values = append(*values, child.values...)
	}
}
