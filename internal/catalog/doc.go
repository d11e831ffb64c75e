// Package catalog provides the text that gets spoken: verse texts from a
// JSON file and commentary from markdown files, flattened to plain text.
//
// Layout of a catalog directory:
//
//	verses.json                      {"John": {"3": ["verse 1", "verse 2", ...]}}
//	commentary/<book>/<chapter>.md
//	commentary/<book>/<chapter>-<verse>.md
//	commentary/<book>/<chapter>[-<verse>].<depth>.md
//
// Book directory names are URL path escaped.
package catalog
