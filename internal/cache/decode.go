package cache

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"hallpass/pkg/types"
)

// decodeClasses accepts the stored list, or an object keyed by position when the
// list became sparse, and returns the class ids in stored order
func decodeClasses(raw json.RawMessage) ([]string, error) {
	if types.IsNullJSON(raw) {
		return nil, nil
	}

	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return compact(list), nil
	}

	var keyed map[string]string
	if err := json.Unmarshal(raw, &keyed); err != nil {
		return nil, &types.DecodeError{Path: types.PathClasses, Err: fmt.Errorf("expected a list of class names: %w", err)}
	}
	keys := make([]string, 0, len(keyed))
	for k := range keyed {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) < len(keys[j])
		}
		return keys[i] < keys[j]
	})
	list = make([]string, 0, len(keys))
	for _, k := range keys {
		list = append(list, keyed[k])
	}
	return compact(list), nil
}

// compact drops blanks and repeats, keeping first occurrences
func compact(list []string) []string {
	seen := make(map[string]bool, len(list))
	out := make([]string, 0, len(list))
	for _, class := range list {
		if class == "" || seen[class] {
			continue
		}
		seen[class] = true
		out = append(out, class)
	}
	return out
}

// studentKeyed decodes a per-class value keyed by student id. Ids 0..n-1 come back
// from the store as a list, position i being id "i"
func studentKeyed[V any](raw json.RawMessage) (map[string]V, error) {
	out := make(map[string]V)
	if types.IsNullJSON(raw) {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err == nil {
		return out, nil
	}
	var list []*V
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, err
	}
	out = make(map[string]V, len(list))
	for i, v := range list {
		if v != nil {
			out[strconv.Itoa(i)] = *v
		}
	}
	return out, nil
}

func decodeStudents(raw json.RawMessage) (map[string]types.Students, error) {
	out := make(map[string]types.Students)
	if types.IsNullJSON(raw) {
		return out, nil
	}
	var classes map[string]json.RawMessage
	if err := json.Unmarshal(raw, &classes); err != nil {
		return nil, &types.DecodeError{Path: types.PathStudents, Err: err}
	}
	for class, rawRoster := range classes {
		roster, err := studentKeyed[types.Student](rawRoster)
		if err != nil {
			return nil, &types.DecodeError{Path: types.JoinPath(types.PathStudents, class), Err: err}
		}
		out[class] = roster
	}
	for class, students := range out {
		for id, student := range students {
			if student.DisplayName == "" {
				return nil, &types.DecodeError{
					Path: types.StudentPath(class, id),
					Err:  fmt.Errorf("missing displayName"),
				}
			}
		}
	}
	return out, nil
}

func decodeRecords(raw json.RawMessage) (map[string]map[string]types.StudentRecords, error) {
	out := make(map[string]map[string]types.StudentRecords)
	if types.IsNullJSON(raw) {
		return out, nil
	}
	var classes map[string]json.RawMessage
	if err := json.Unmarshal(raw, &classes); err != nil {
		return nil, &types.DecodeError{Path: types.PathRecords, Err: err}
	}
	for class, rawStudents := range classes {
		students, err := studentKeyed[types.StudentRecords](rawStudents)
		if err != nil {
			return nil, &types.DecodeError{Path: types.JoinPath(types.PathRecords, class), Err: err}
		}
		out[class] = students
	}

	for class, byStudent := range out {
		for student, byDate := range byStudent {
			for date, record := range byDate {
				if _, err := types.ParseDate(date, nil); err != nil {
					return nil, &types.DecodeError{Path: types.RecordPath(class, student, date), Err: err}
				}
				for _, d := range record.Departures {
					if !types.IsValidHour(d.Hour) {
						return nil, &types.DecodeError{
							Path: types.RecordPath(class, student, date),
							Err:  fmt.Errorf("%w: %d", types.ErrInvalidHour, d.Hour),
						}
					}
				}
				// A date with no departures is absent
				if record.Count() == 0 {
					delete(byDate, date)
				}
			}
			if len(byDate) == 0 {
				delete(byStudent, student)
			}
		}
		if len(byStudent) == 0 {
			delete(out, class)
		}
	}
	return out, nil
}
