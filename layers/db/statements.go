package db

import (
	"strings"
)

func Match(stmt string) string {
	return "MATCH " + stmt
}
func Merge(stmt string) string {
	return "MERGE " + stmt
}
func Create(stmt string) string {
	return "CREATE " + stmt
}
func Unwind(param, as string) string {
	return "UNWIND $" + param + " AS " + as
}

// Set merges the map parameter param into the properties of key.
func Set(key, param string) string {
	return "SET " + key + " += $" + param
}
func Return(keys ...string) string {
	return "RETURN " + strings.Join(keys, ",")
}
func Delete(keys ...string) string {
	return "DELETE " + strings.Join(keys, ",")
}
func OrderBy(keys ...string) string {
	return "ORDER BY " + strings.Join(keys, ",")
}
func Limit(param string) string {
	return "LIMIT $" + param
}

// Node renders (key:Label {id: $param}).
func Node(key, label, param string) string {
	return "(" + key + ":" + label + " {id: $" + param + "})"
}
