package domain

import (
	"encoding/json"
	"fmt"
)

// DecodeEntity parses data as a record of kind.
func DecodeEntity(kind EntityKind, data []byte) (Entity, error) {
	var (
		e   Entity
		err error
	)
	switch kind {
	case KindEmployee:
		var v Employee
		err = json.Unmarshal(data, &v)
		e = v
	case KindProject:
		var v Project
		err = json.Unmarshal(data, &v)
		e = v
	case KindSupplyExpense:
		var v SupplyExpense
		err = json.Unmarshal(data, &v)
		e = v
	case KindContractResearch:
		var v ContractResearch
		err = json.Unmarshal(data, &v)
		e = v
	case KindDocument:
		var v UploadedDocument
		err = json.Unmarshal(data, &v)
		e = v
	case KindConnection:
		var v ExternalConnection
		err = json.Unmarshal(data, &v)
		e = v
	default:
		return nil, fmt.Errorf("unknown entity kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	return e, nil
}
