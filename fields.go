package unarchive

import (
	"reflect"
	"slices"
	"strings"
)

// field is a struct field that maps onto a key of an archived object.
type field struct {
	Name  string
	Type  reflect.Type
	Index []int

	// OmitEmpty skips the field when archiving its zero value.
	OmitEmpty bool
}

// fieldsToSerialize resolves the archive keys of a struct type. Embedded structs are
// flattened, following the visibility rules of encoding/json: the least nested field
// wins, ties are broken by an explicit tag, and remaining conflicts drop the key.
func fieldsToSerialize(ty reflect.Type, structTag string) []field {
	if ty.Kind() != reflect.Struct {
		panic("not a struct")
	}

	type queued struct {
		Type        reflect.Type
		ParentIndex []int
	}

	type candidate struct {
		Explicit bool
		Field    field
	}

	// breadth first, so candidates for a key are ordered by nesting depth
	queue := []queued{{Type: ty}}

	candidates := map[string][]candidate{}

	var order []string

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]

		for idx := range item.Type.NumField() {
			fi := item.Type.Field(idx)
			if !fi.IsExported() && !fi.Anonymous {
				continue
			}

			tag := parseTag(fi, structTag)
			if tag.Skip {
				continue
			}

			// copy the parent index, siblings must not share a backing array
			parent := item.ParentIndex
			index := append(parent[:len(parent):len(parent)], fi.Index...)

			if fi.Anonymous && !tag.Explicit {
				if fi.Type.Kind() == reflect.Struct {
					queue = append(queue, queued{fi.Type, index})
				}

				continue
			}

			if !fi.IsExported() {
				continue
			}

			if len(candidates[tag.Name]) == 0 {
				order = append(order, tag.Name)
			}

			candidates[tag.Name] = append(candidates[tag.Name], candidate{
				Explicit: tag.Explicit,
				Field: field{
					Name:      tag.Name,
					Type:      fi.Type,
					Index:     index,
					OmitEmpty: tag.OmitEmpty,
				},
			})
		}
	}

	var fields []field

	for _, name := range order {
		candidates := candidates[name]

		depth := len(candidates[0].Field.Index)
		if !slices.IsSortedFunc(candidates, func(a, b candidate) int { return len(a.Field.Index) - len(b.Field.Index) }) {
			panic("candidates are not sorted")
		}

		// only the least nested candidates are visible
		end := 1
		for end < len(candidates) && len(candidates[end].Field.Index) == depth {
			end++
		}

		visible := candidates[:end]

		if len(visible) == 1 {
			fields = append(fields, visible[0].Field)
			continue
		}

		explicit := slices.DeleteFunc(slices.Clone(visible), func(c candidate) bool { return !c.Explicit })
		if len(explicit) == 1 {
			fields = append(fields, explicit[0].Field)
			continue
		}

		// ambiguous, the key is ignored
	}

	return fields
}

type fieldTag struct {
	Name      string
	Explicit  bool
	Skip      bool
	OmitEmpty bool
}

func parseTag(fi reflect.StructField, structTag string) fieldTag {
	tag, ok := fi.Tag.Lookup(structTag)
	if !ok || tag == "" {
		return fieldTag{Name: fi.Name}
	}

	if tag == "-" {
		return fieldTag{Skip: true}
	}

	name, options, _ := strings.Cut(tag, ",")

	result := fieldTag{Name: name, Explicit: name != ""}
	if name == "" {
		result.Name = fi.Name
	}

	for option := range strings.SplitSeq(options, ",") {
		if option == "omitempty" {
			result.OmitEmpty = true
		}
	}

	return result
}
