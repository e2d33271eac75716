package format

import (
	"fmt"
	"strings"
)

// SanitizeSchema reduces a JSON Schema to the allowlisted subset the
// upstream accepts. "const" becomes a single-value "enum"; empty object
// schemas gain a placeholder property, since the API rejects property-less
// objects.
func SanitizeSchema(schema map[string]any) map[string]any {
	if len(schema) == 0 {
		return placeholderObjectSchema()
	}

	allowed := map[string]bool{
		"type": true, "description": true, "properties": true,
		"required": true, "items": true, "enum": true, "title": true,
	}

	sanitized := make(map[string]any)

	for key, value := range schema {
		if key == "const" {
			sanitized["enum"] = []any{value}
			continue
		}
		if !allowed[key] {
			continue
		}

		switch key {
		case "properties":
			if props, ok := value.(map[string]any); ok {
				newProps := make(map[string]any, len(props))
				for propKey, propValue := range props {
					if propMap, ok := propValue.(map[string]any); ok {
						newProps[propKey] = SanitizeSchema(propMap)
					} else {
						newProps[propKey] = propValue
					}
				}
				sanitized["properties"] = newProps
			}
		case "items":
			sanitized["items"] = sanitizeItems(value)
		default:
			if valueMap, ok := value.(map[string]any); ok {
				sanitized[key] = SanitizeSchema(valueMap)
			} else {
				sanitized[key] = value
			}
		}
	}

	if _, ok := sanitized["type"]; !ok {
		sanitized["type"] = "object"
	}

	if schemaType, _ := sanitized["type"].(string); schemaType == "object" {
		props, hasProps := sanitized["properties"].(map[string]any)
		if !hasProps || len(props) == 0 {
			placeholder := placeholderObjectSchema()
			sanitized["properties"] = placeholder["properties"]
			sanitized["required"] = placeholder["required"]
		}
	}

	return sanitized
}

func placeholderObjectSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"reason": map[string]any{
				"type":        "string",
				"description": "Reason for calling this tool",
			},
		},
		"required": []string{"reason"},
	}
}

func sanitizeItems(value any) any {
	switch items := value.(type) {
	case map[string]any:
		return SanitizeSchema(items)
	case []any:
		out := make([]any, 0, len(items))
		for _, item := range items {
			if itemMap, ok := item.(map[string]any); ok {
				out = append(out, SanitizeSchema(itemMap))
			} else {
				out = append(out, item)
			}
		}
		return out
	default:
		return value
	}
}

// CleanSchema rewrites a schema for Gemini compatibility with a multi-phase
// pipeline: hint preservation first ($ref, enum, additionalProperties,
// numeric constraints moved into descriptions), then structural flattening
// (allOf merge, anyOf/oneOf selection, type-array collapse), then keyword
// stripping and Google's uppercase type names.
func CleanSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return schema
	}

	result := copyMap(schema)
	result = convertRefsToHints(result)
	result = addEnumHints(result)
	result = addAdditionalPropertiesHints(result)
	result = moveConstraintsToDescription(result)
	result = mergeAllOf(result)
	result = flattenAnyOfOneOf(result)
	result = flattenTypeArrays(result, nil, "")

	unsupported := []string{
		"additionalProperties", "default", "$schema", "$defs",
		"definitions", "$ref", "$id", "$comment", "title",
		"minLength", "maxLength", "pattern", "format",
		"minItems", "maxItems", "examples", "allOf", "anyOf", "oneOf",
		"minimum", "maximum",
	}
	for _, key := range unsupported {
		delete(result, key)
	}

	if props, ok := result["properties"].(map[string]any); ok {
		newProps := make(map[string]any, len(props))
		for key, value := range props {
			if valueMap, ok := value.(map[string]any); ok {
				newProps[key] = CleanSchema(valueMap)
			} else {
				newProps[key] = value
			}
		}
		result["properties"] = newProps
	}

	switch items := result["items"].(type) {
	case map[string]any:
		result["items"] = CleanSchema(items)
	case []any:
		newItems := make([]any, 0, len(items))
		for _, item := range items {
			if itemMap, ok := item.(map[string]any); ok {
				newItems = append(newItems, CleanSchema(itemMap))
			} else {
				newItems = append(newItems, item)
			}
		}
		result["items"] = newItems
	}

	pruneRequired(result)

	if schemaType, ok := result["type"].(string); ok {
		result["type"] = toGoogleType(schemaType)
	}

	return result
}

// pruneRequired drops required entries that name undefined properties.
func pruneRequired(schema map[string]any) {
	required, ok := schema["required"].([]any)
	if !ok {
		return
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return
	}

	kept := make([]any, 0, len(required))
	for _, prop := range required {
		if propStr, ok := prop.(string); ok {
			if _, defined := props[propStr]; defined {
				kept = append(kept, propStr)
			}
		}
	}
	if len(kept) == 0 {
		delete(schema, "required")
	} else {
		schema["required"] = kept
	}
}

func appendDescriptionHint(schema map[string]any, hint string) map[string]any {
	result := copyMap(schema)
	if desc, ok := result["description"].(string); ok && desc != "" {
		result["description"] = fmt.Sprintf("%s (%s)", desc, hint)
	} else {
		result["description"] = hint
	}
	return result
}

// recurseChildren applies fn to properties and items (and, when
// includeUnions, the anyOf/oneOf/allOf arrays).
func recurseChildren(schema map[string]any, fn func(map[string]any) map[string]any, includeUnions bool) map[string]any {
	if props, ok := schema["properties"].(map[string]any); ok {
		newProps := make(map[string]any, len(props))
		for key, value := range props {
			if valueMap, ok := value.(map[string]any); ok {
				newProps[key] = fn(valueMap)
			} else {
				newProps[key] = value
			}
		}
		schema["properties"] = newProps
	}

	switch items := schema["items"].(type) {
	case map[string]any:
		schema["items"] = fn(items)
	case []any:
		newItems := make([]any, 0, len(items))
		for _, item := range items {
			if itemMap, ok := item.(map[string]any); ok {
				newItems = append(newItems, fn(itemMap))
			} else {
				newItems = append(newItems, item)
			}
		}
		schema["items"] = newItems
	}

	if includeUnions {
		for _, key := range []string{"anyOf", "oneOf", "allOf"} {
			if arr, ok := schema[key].([]any); ok {
				newArr := make([]any, 0, len(arr))
				for _, item := range arr {
					if itemMap, ok := item.(map[string]any); ok {
						newArr = append(newArr, fn(itemMap))
					} else {
						newArr = append(newArr, item)
					}
				}
				schema[key] = newArr
			}
		}
	}

	return schema
}

// convertRefsToHints replaces $ref with an object schema carrying a
// "See: <definition>" description.
func convertRefsToHints(schema map[string]any) map[string]any {
	if schema == nil {
		return schema
	}
	result := copyMap(schema)

	if ref, ok := result["$ref"].(string); ok {
		parts := strings.Split(ref, "/")
		defName := parts[len(parts)-1]
		if defName == "" {
			defName = "unknown"
		}
		hint := "See: " + defName

		description := hint
		if desc, ok := result["description"].(string); ok && desc != "" {
			description = fmt.Sprintf("%s (%s)", desc, hint)
		}
		return map[string]any{"type": "object", "description": description}
	}

	return recurseChildren(result, convertRefsToHints, true)
}

func addEnumHints(schema map[string]any) map[string]any {
	if schema == nil {
		return schema
	}
	result := copyMap(schema)

	if enumArr, ok := result["enum"].([]any); ok && len(enumArr) > 1 && len(enumArr) <= 10 {
		vals := make([]string, 0, len(enumArr))
		for _, v := range enumArr {
			vals = append(vals, fmt.Sprintf("%v", v))
		}
		result = appendDescriptionHint(result, "Allowed: "+strings.Join(vals, ", "))
	}

	return recurseChildren(result, addEnumHints, false)
}

func addAdditionalPropertiesHints(schema map[string]any) map[string]any {
	if schema == nil {
		return schema
	}
	result := copyMap(schema)

	if result["additionalProperties"] == false {
		result = appendDescriptionHint(result, "No extra properties allowed")
	}

	return recurseChildren(result, addAdditionalPropertiesHints, false)
}

func moveConstraintsToDescription(schema map[string]any) map[string]any {
	if schema == nil {
		return schema
	}
	result := copyMap(schema)

	constraints := []string{"minLength", "maxLength", "pattern", "minimum", "maximum", "minItems", "maxItems", "format"}
	for _, constraint := range constraints {
		if value, ok := result[constraint]; ok {
			if _, isMap := value.(map[string]any); !isMap {
				result = appendDescriptionHint(result, fmt.Sprintf("%s: %v", constraint, value))
			}
		}
	}

	return recurseChildren(result, moveConstraintsToDescription, false)
}

// mergeAllOf folds every allOf member into the parent: properties merge
// (parent wins), required arrays union.
func mergeAllOf(schema map[string]any) map[string]any {
	if schema == nil {
		return schema
	}
	result := copyMap(schema)

	if allOfArr, ok := result["allOf"].([]any); ok && len(allOfArr) > 0 {
		mergedProperties := make(map[string]any)
		mergedRequired := make(map[string]bool)
		otherFields := make(map[string]any)

		for _, subSchema := range allOfArr {
			subMap, ok := subSchema.(map[string]any)
			if !ok {
				continue
			}
			if props, ok := subMap["properties"].(map[string]any); ok {
				for key, value := range props {
					mergedProperties[key] = value
				}
			}
			if required, ok := subMap["required"].([]any); ok {
				for _, req := range required {
					if reqStr, ok := req.(string); ok {
						mergedRequired[reqStr] = true
					}
				}
			}
			for key, value := range subMap {
				if key != "properties" && key != "required" {
					if _, exists := otherFields[key]; !exists {
						otherFields[key] = value
					}
				}
			}
		}

		delete(result, "allOf")

		for key, value := range otherFields {
			if _, exists := result[key]; !exists {
				result[key] = value
			}
		}

		if len(mergedProperties) > 0 {
			existingProps, _ := result["properties"].(map[string]any)
			if existingProps == nil {
				existingProps = make(map[string]any)
			}
			for key, value := range mergedProperties {
				if _, exists := existingProps[key]; !exists {
					existingProps[key] = value
				}
			}
			result["properties"] = existingProps
		}

		if len(mergedRequired) > 0 {
			if req, ok := result["required"].([]any); ok {
				for _, r := range req {
					if rStr, ok := r.(string); ok {
						mergedRequired[rStr] = true
					}
				}
			}
			newRequired := make([]any, 0, len(mergedRequired))
			for key := range mergedRequired {
				newRequired = append(newRequired, key)
			}
			result["required"] = newRequired
		}
	}

	return recurseChildren(result, mergeAllOf, false)
}

// scoreSchemaOption ranks anyOf/oneOf alternatives: objects with
// properties beat arrays beat scalars beat null.
func scoreSchemaOption(schema map[string]any) int {
	if schema == nil {
		return 0
	}
	if schema["type"] == "object" || schema["properties"] != nil {
		return 3
	}
	if schema["type"] == "array" || schema["items"] != nil {
		return 2
	}
	if schemaType, ok := schema["type"].(string); ok && schemaType != "null" {
		return 1
	}
	return 0
}

// flattenAnyOfOneOf picks the highest-scoring alternative and merges it
// into the parent, recording the discarded types as a description hint.
func flattenAnyOfOneOf(schema map[string]any) map[string]any {
	if schema == nil {
		return schema
	}
	result := copyMap(schema)

	for _, unionKey := range []string{"anyOf", "oneOf"} {
		options, ok := result[unionKey].([]any)
		if !ok || len(options) == 0 {
			continue
		}

		var typeNames []string
		var bestOption map[string]any
		bestScore := -1

		for _, option := range options {
			optMap, ok := option.(map[string]any)
			if !ok {
				continue
			}

			typeName := ""
			if t, ok := optMap["type"].(string); ok {
				typeName = t
			} else if optMap["properties"] != nil {
				typeName = "object"
			}
			if typeName != "" && typeName != "null" {
				typeNames = append(typeNames, typeName)
			}

			if score := scoreSchemaOption(optMap); score > bestScore {
				bestScore = score
				bestOption = optMap
			}
		}

		delete(result, unionKey)

		if bestOption != nil {
			parentDescription, _ := result["description"].(string)
			flattened := flattenAnyOfOneOf(bestOption)

			for key, value := range flattened {
				if key == "description" {
					if valueStr, ok := value.(string); ok && valueStr != "" && valueStr != parentDescription {
						if parentDescription != "" {
							result["description"] = fmt.Sprintf("%s (%s)", parentDescription, valueStr)
						} else {
							result["description"] = valueStr
						}
					}
					continue
				}
				if _, exists := result[key]; !exists || key == "type" || key == "properties" || key == "items" {
					result[key] = value
				}
			}

			if len(typeNames) > 1 {
				result = appendDescriptionHint(result, "Accepts: "+strings.Join(uniqueStrings(typeNames), " | "))
			}
		}
	}

	return recurseChildren(result, flattenAnyOfOneOf, false)
}

// flattenTypeArrays collapses ["string","null"]-style type arrays to the
// first non-null type and removes nullable properties from required.
func flattenTypeArrays(schema map[string]any, nullableProps map[string]bool, currentPropName string) map[string]any {
	if schema == nil {
		return schema
	}
	result := copyMap(schema)

	if typeArr, ok := result["type"].([]any); ok {
		hasNull := false
		var nonNullTypes []string
		for _, t := range typeArr {
			if tStr, ok := t.(string); ok {
				if tStr == "null" {
					hasNull = true
				} else if tStr != "" {
					nonNullTypes = append(nonNullTypes, tStr)
				}
			}
		}

		firstType := "string"
		if len(nonNullTypes) > 0 {
			firstType = nonNullTypes[0]
		}
		result["type"] = firstType

		if len(nonNullTypes) > 1 {
			result = appendDescriptionHint(result, "Accepts: "+strings.Join(nonNullTypes, " | "))
		}
		if hasNull {
			result = appendDescriptionHint(result, "nullable")
			if nullableProps != nil && currentPropName != "" {
				nullableProps[currentPropName] = true
			}
		}
	}

	if props, ok := result["properties"].(map[string]any); ok {
		childNullable := make(map[string]bool)
		newProps := make(map[string]any, len(props))
		for key, value := range props {
			if valueMap, ok := value.(map[string]any); ok {
				newProps[key] = flattenTypeArrays(valueMap, childNullable, key)
			} else {
				newProps[key] = value
			}
		}
		result["properties"] = newProps

		if required, ok := result["required"].([]any); ok && len(childNullable) > 0 {
			newRequired := make([]any, 0, len(required))
			for _, prop := range required {
				if propStr, ok := prop.(string); ok && !childNullable[propStr] {
					newRequired = append(newRequired, propStr)
				}
			}
			if len(newRequired) == 0 {
				delete(result, "required")
			} else {
				result["required"] = newRequired
			}
		}
	}

	switch items := result["items"].(type) {
	case map[string]any:
		result["items"] = flattenTypeArrays(items, nullableProps, "")
	case []any:
		newItems := make([]any, 0, len(items))
		for _, item := range items {
			if itemMap, ok := item.(map[string]any); ok {
				newItems = append(newItems, flattenTypeArrays(itemMap, nullableProps, ""))
			} else {
				newItems = append(newItems, item)
			}
		}
		result["items"] = newItems
	}

	return result
}

// toGoogleType maps JSON Schema type names to Google's uppercase names.
func toGoogleType(typeName string) string {
	switch strings.ToLower(typeName) {
	case "":
		return typeName
	case "string", "null":
		return "STRING"
	case "number":
		return "NUMBER"
	case "integer":
		return "INTEGER"
	case "boolean":
		return "BOOLEAN"
	case "array":
		return "ARRAY"
	case "object":
		return "OBJECT"
	default:
		return strings.ToUpper(typeName)
	}
}

func copyMap(m map[string]any) map[string]any {
	result := make(map[string]any, len(m))
	for k, v := range m {
		result[k] = v
	}
	return result
}

func uniqueStrings(arr []string) []string {
	seen := make(map[string]bool, len(arr))
	result := make([]string, 0, len(arr))
	for _, v := range arr {
		if !seen[v] {
			seen[v] = true
			result = append(result, v)
		}
	}
	return result
}
