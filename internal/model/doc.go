// Package model defines the value model shared by every sync component.
//
// A Setup lists the synchronized tables in dependency order. Each table has
// a column list with semantic types; rows are positional []any slices whose
// element types are fixed per semantic type:
//
//	int8, int16, int32, int64, uint8  int64
//	float32                           float32
//	float64                           float64
//	decimal                           *apd.Decimal
//	bool                              bool
//	datetime                          time.Time (UTC)
//	uuid                              uuid.UUID
//	bytes                             []byte
//	string                            string
//	NULL                              nil
//
// Normalize converts driver or decoder output into that representation, so
// the batch codecs and the store adapters agree on a single shape.
package model
