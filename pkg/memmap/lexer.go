package memmap

import (
	"github.com/alecthomas/participle/v2/lexer"
)

// AltSettingLexer tokenizes DfuSe alternate-setting strings such as
//
//	@Internal Flash  /0x08000000/04*016Kg,01*064Kg,07*128Kg
//
// The name runs from '@' to the first '/', so it gets its own state where
// only '/' is significant. Addresses and block groups get separate states
// as well: an address is hex with an optional 0x prefix, and its digits
// would otherwise collide with the a-f sector type letters.
var AltSettingLexer = lexer.MustStateful(lexer.Rules{
	"Root": {
		{Name: "At", Pattern: `@`, Action: lexer.Push("Name")},
		{Name: "Whitespace", Pattern: `[ \t\r\n]+`},
	},
	"Name": {
		{Name: "NameEnd", Pattern: `/`, Action: lexer.Push("Addr")},
		{Name: "NameText", Pattern: `[^/]+`},
	},
	"Addr": {
		{Name: "Whitespace", Pattern: `[ \t\r\n]+`},
		{Name: "Slash", Pattern: `/`, Action: lexer.Push("Groups")},
		{Name: "Address", Pattern: `(?:0[xX])?[0-9A-Fa-f]+`},
	},
	"Groups": {
		{Name: "Whitespace", Pattern: `[ \t\r\n]+`},
		{Name: "Slash", Pattern: `/`, Action: lexer.Pop()},
		{Name: "Comma", Pattern: `,`},
		{Name: "Star", Pattern: `\*`},
		{Name: "Int", Pattern: `[0-9]+`},
		{Name: "Ident", Pattern: `[A-Za-z]+`},
	},
})
