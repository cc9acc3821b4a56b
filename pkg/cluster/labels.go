package cluster

import (
	"maps"
	"slices"
	"strings"
)

// SelectorElement is a condition on one label, like EqualityBased.
type SelectorElement interface {
	// convert to querystring expression for label
	QueryString(label string) string

	// Match reports whether the label value (and its presence) satisfies the element.
	Match(value string, present bool) bool

	// return true if this is equal to other. otherwise false.
	//
	// this method SHOULD return false when other is not same struct for itself.
	Equal(other SelectorElement) bool
}

// Selector selects resources by their labels. Elements are AND-ed.
type Selector map[string]SelectorElement

// convert to string value in form of k8s label selector query string.
//
// Labels are sorted, so the result is stable.
func (ls Selector) QueryString() string {
	if len(ls) == 0 {
		return ""
	}

	keys := slices.Sorted(maps.Keys(ls))
	exprs := make([]string, 0, len(keys))
	for _, k := range keys {
		exprs = append(exprs, ls[k].QueryString(k))
	}
	return strings.Join(exprs, ",")
}

// Matches reports whether labels satisfy every element.
func (ls Selector) Matches(labels map[string]string) bool {
	for k, e := range ls {
		v, ok := labels[k]
		if !ok && !e.Match("", false) {
			return false
		}
		if ok && !e.Match(v, true) {
			return false
		}
	}
	return true
}

// With returns a new Selector extended with label = value.
func (ls Selector) With(label string, value string) Selector {
	new := Selector{}
	maps.Copy(new, ls)
	new[label] = Eq(value)
	return new
}

// Equalities returns label-value pairs of "=" elements.
//
// Backends which filter only by equality (like docker) use this.
func (ls Selector) Equalities() map[string]string {
	eqs := map[string]string{}
	for k, e := range ls {
		if eqb, ok := e.(EqualityBased); ok {
			if op, v := eqb.destruct(); op == "=" {
				eqs[k] = v
			}
		}
	}
	return eqs
}

// see: https://kubernetes.io/docs/concepts/overview/working-with-objects/labels/#equality-based-requirement
type EqualityBased string

var _ SelectorElement = EqualityBased("")

func NotEq(value string) EqualityBased {
	_, v := EqualityBased(value).destruct()
	return EqualityBased("!=" + v)
}

func Eq(value string) EqualityBased {
	_, v := EqualityBased(value).destruct()
	return EqualityBased("=" + v)
}

func (eqb EqualityBased) destruct() (operator string, value string) {
	exp := string(eqb)
	if exp == "" {
		return "=", ""
	}

	switch {
	case strings.HasPrefix(exp, "=="):
		return "=", exp[2:]
	case strings.HasPrefix(exp, "="):
		return "=", exp[1:]
	case strings.HasPrefix(exp, "!="):
		return "!=", exp[2:]
	default:
		// "!foo" does not mean "!=foo" .
		return "=", exp
	}
}

func (eqb EqualityBased) QueryString(label string) string {
	op, v := eqb.destruct()
	return label + op + v
}

func (eqb EqualityBased) Match(value string, present bool) bool {
	op, v := eqb.destruct()
	if op == "!=" {
		return !present || value != v
	}
	return present && value == v
}

func (eqb EqualityBased) Equal(other SelectorElement) bool {
	switch o := other.(type) {
	case EqualityBased:
		op, v := eqb.destruct()
		oop, ov := o.destruct()
		return op == oop && v == ov
	default:
		return false
	}
}

// SelectorOf converts label-value pairs into Selector of equalities.
func SelectorOf(ls map[string]string) Selector {
	new := Selector{}
	for k, v := range ls {
		new[k] = Eq(v)
	}
	return new
}
