package core

import "time"

// Scalar type ranks. Values of different scalar types order by rank first,
// so mixed-type index scans stay well defined.
const (
	rankBool = iota
	rankInt
	rankFloat
	rankTime
	rankString
)

func scalarRank(v Value) int {
	switch v.(type) {
	case Bool:
		return rankBool
	case Int:
		return rankInt
	case Float:
		return rankFloat
	case Time:
		return rankTime
	case String:
		return rankString
	}
	return -1
}

// CompareScalars orders two scalar values: by type rank, then by value.
// Int and Float compare numerically against each other so a query for
// accuracy > 0.9 also matches an Int(1) stored by a sloppy writer.
// Non-scalar operands compare as less than any scalar.
func CompareScalars(a, b Value) int {
	ra, rb := scalarRank(a), scalarRank(b)
	if ra < 0 || rb < 0 {
		return cmpInt(ra, rb)
	}
	if (ra == rankInt || ra == rankFloat) && (rb == rankInt || rb == rankFloat) {
		return cmpFloat(numeric(a), numeric(b))
	}
	if ra != rb {
		return cmpInt(ra, rb)
	}
	switch a := a.(type) {
	case Bool:
		return cmpBool(bool(a), bool(b.(Bool)))
	case Time:
		return cmpInt64(time.Time(a).UnixMicro(), time.Time(b.(Time)).UnixMicro())
	case String:
		bs := b.(String)
		switch {
		case a < bs:
			return -1
		case a > bs:
			return 1
		}
		return 0
	}
	return 0
}

func numeric(v Value) float64 {
	switch v := v.(type) {
	case Int:
		return float64(v)
	case Float:
		return float64(v)
	}
	return 0
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpBool(a, b bool) int {
	switch {
	case !a && b:
		return -1
	case a && !b:
		return 1
	}
	return 0
}
