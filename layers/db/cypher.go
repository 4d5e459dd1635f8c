package db

import (
	"encoding/json"
	"errors"

	"github.com/mitchellh/mapstructure"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// ToProps flattens val into a property map neo4j can store: nested objects
// and empty strings are dropped and lists keep only primitive elements.
func ToProps(val any) (map[string]any, error) {
	if val == nil {
		return nil, errors.New("val in ToProps can't be nil")
	}
	m, err := toMap(val)
	if err != nil {
		return nil, err
	}
	props := make(map[string]any, len(m))
	for key, value := range m {
		if property, ok := ToProperty(value); ok {
			props[key] = property
		}
	}
	return props, nil
}

func toMap(in any) (map[string]interface{}, error) {
	inrec, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	var mp map[string]interface{}
	if err := json.Unmarshal(inrec, &mp); err != nil {
		return nil, err
	}
	return mp, nil
}

func ToProperty(value any) (any, bool) {
	switch v := value.(type) {
	case nil:
		return nil, false
	case string:
		return v, v != ""
	case []interface{}:
		elements := make([]any, 0, len(v))
		for _, element := range v {
			if property, ok := ToProperty(element); ok {
				if _, nested := property.([]any); !nested {
					elements = append(elements, property)
				}
			}
		}
		return elements, len(elements) > 0
	case map[string]interface{}:
		return nil, false
	default:
		return v, true
	}
}

func ParseAll[KeyValue any](key string, records []*neo4j.Record) ([]KeyValue, bool) {
	results := make([]KeyValue, 0, len(records))
	if len(records) == 0 {
		return results, false
	}
	for _, record := range records {
		get, ok := record.Get(key)
		if !ok {
			return nil, false
		}
		node, ok := get.(neo4j.Node)
		if !ok {
			return nil, false
		}
		result, err := parse[KeyValue](node.Props)
		if err != nil {
			return nil, false
		}
		results = append(results, result)
	}
	return results, true
}

func parse[RESULT any](props map[string]any) (RESULT, error) {
	var result RESULT
	err := mapstructure.WeakDecode(props, &result)
	return result, err
}
