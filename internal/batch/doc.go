// Package batch stores change sets on disk as ordered, self-describing parts.
//
// A batch directory holds one file per part plus a batchinfo.json manifest.
// Every part covers a single table and row state. Its first record is a
// header carrying the table name, schema qualifier, column list with
// semantic types and the row state; rows follow in declared column order;
// a trailer records the row count so truncation is detected on read.
//
// Rows are written through a Writer, which rotates to a new part when the
// Policy thresholds are hit, and read back one at a time through a
// PartReader. Neither side holds more than one row in memory.
//
// Values round-trip exactly except for datetimes, which are carried as UTC
// instants: the zone offset a row was written with is not preserved.
package batch
