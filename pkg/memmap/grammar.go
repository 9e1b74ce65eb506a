package memmap

import (
	"github.com/alecthomas/participle/v2"
)

// altSettingString is the grammar of one interface string:
// "@" name "/" address "/" group ("," group)* ("/" address "/" group ...)*
type altSettingString struct {
	Name    string    `parser:"At @NameText? NameEnd"`
	Regions []*region `parser:"@@ ( Slash @@ )* Slash?"`
}

// region is one address, with or without a 0x prefix, followed by its
// block groups.
type region struct {
	Address string   `parser:"@Address Slash"`
	Groups  []*group `parser:"@@ ( Comma @@ )*"`
}

// group is "count*size" followed by the unit and sector type letters,
// for example "04*016Kg" or "01*016 e".
type group struct {
	Count string `parser:"@Int Star"`
	Size  string `parser:"@Int"`
	Type  string `parser:"@Ident?"`
}

var altSettingParser = participle.MustBuild[altSettingString](
	participle.Lexer(AltSettingLexer),
	participle.Elide("Whitespace"),
	participle.UseLookahead(2),
)
