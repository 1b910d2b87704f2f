package mcpserver

// NoteFormatContract describes the canonical Markdown note format that
// LLM consumers should follow when creating or updating notes.
const NoteFormatContract = `# Alaya Note Format Contract

Every Markdown note in the vault follows this structure.

## Structure

` + "```" + `markdown
---
title: Human-readable title        # REQUIRED – used in search results and wikilinks
date: 2025-01-15                    # REQUIRED – ISO-8601 creation date
---
#tag-one #tag-two

Body text in standard Markdown.

Use [[Note Title]] to reference other notes by title.
` + "```" + `

## Rules

1. **YAML frontmatter comes first.** The ` + "`" + `---` + "`" + ` fences must be the first
   thing in the file (no leading blank lines).
2. **` + "`" + `title` + "`" + ` is required.** The file name is the slugified title.
3. **Tags** go on one line right after the frontmatter, each prefixed with ` + "`" + `#` + "`" + `.
   A tag starts with a letter and may contain letters, digits, ` + "`" + `_` + "`" + `, ` + "`" + `-` + "`" + ` and ` + "`" + `/` + "`" + `.
4. **Directories**: notes live under one of daily, inbox, projects, areas, people,
   ideas, learning, resources, raw or archives. Subdirectories are allowed.
5. **Wikilinks** use double brackets around the target title: ` + "`" + `[[Other Note]]` + "`" + `.
   Renaming a note with ` + "`" + `rename_note` + "`" + ` rewrites links to it across the vault.
6. **Deleting** archives the note under ` + "`" + `archives/` + "`" + `; nothing is destroyed.
7. **Encoding** is UTF-8 with a trailing newline.

## Sources

- Use ` + "`" + `ingest` + "`" + ` to index a URL or a vault file (.md, .txt, .html) directly and
  get suggested links back.
- Use ` + "`" + `drop_source` + "`" + ` to save a URL or data URI into ` + "`" + `raw/` + "`" + `; the watcher
  ingests it in the background.
- PDF extraction is not available.

## Example

` + "```" + `markdown
---
title: Weekly standup 2025-01-20
date: 2025-01-20
---
#meeting-notes #project-x

Attendees: Alice, Bob.

## Action items

- [[Alice]] to review the [[Design Doc]]
` + "```" + `
`
