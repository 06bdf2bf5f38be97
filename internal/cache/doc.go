// Package cache defines the disk-backed store behind both gateway caches:
// FileDir/<spec> for distribution files and JSONDir/<name>/<version>/data.json
// for restricted release metadata. Writes go through a temp file + rename so
// readers never observe a half-written entry, and an optional expected digest
// is verified before the rename commits the file. The mirror builder is the
// only writer; the gateway read path only uses Get/Stat/List.
package cache
