package notion

import (
	"time"

	"github.com/jomei/notionapi"
)

// Property builders for assembling page create/update requests without
// repeating the notionapi struct literals at every call site.

// TitleProp builds a title property.
func TitleProp(text string) notionapi.TitleProperty {
	return notionapi.TitleProperty{
		Type:  notionapi.PropertyTypeTitle,
		Title: richText(text),
	}
}

// TextProp builds a rich_text property.
func TextProp(text string) notionapi.RichTextProperty {
	return notionapi.RichTextProperty{
		Type:     notionapi.PropertyTypeRichText,
		RichText: richText(text),
	}
}

// NumberProp builds a number property.
func NumberProp(v float64) notionapi.NumberProperty {
	return notionapi.NumberProperty{
		Type:   notionapi.PropertyTypeNumber,
		Number: v,
	}
}

// SelectProp builds a select property.
func SelectProp(name string) notionapi.SelectProperty {
	return notionapi.SelectProperty{
		Type:   notionapi.PropertyTypeSelect,
		Select: notionapi.Option{Name: name},
	}
}

// URLProp builds a url property.
func URLProp(url string) notionapi.URLProperty {
	return notionapi.URLProperty{
		Type: notionapi.PropertyTypeURL,
		URL:  url,
	}
}

// DateProp builds a date property from a single timestamp.
func DateProp(t time.Time) notionapi.DateProperty {
	d := notionapi.Date(t)
	return notionapi.DateProperty{
		Type: notionapi.PropertyTypeDate,
		Date: &notionapi.DateObject{Start: &d},
	}
}

// Block builders for page bodies.

// Heading2Block builds a level-2 heading block.
func Heading2Block(text string) notionapi.Heading2Block {
	return notionapi.Heading2Block{
		BasicBlock: notionapi.BasicBlock{
			Object: notionapi.ObjectTypeBlock,
			Type:   notionapi.BlockTypeHeading2,
		},
		Heading2: notionapi.Heading{RichText: richText(text)},
	}
}

// Heading3Block builds a level-3 heading block.
func Heading3Block(text string) notionapi.Heading3Block {
	return notionapi.Heading3Block{
		BasicBlock: notionapi.BasicBlock{
			Object: notionapi.ObjectTypeBlock,
			Type:   notionapi.BlockTypeHeading3,
		},
		Heading3: notionapi.Heading{RichText: richText(text)},
	}
}

// ParagraphBlock builds a paragraph block.
func ParagraphBlock(text string) notionapi.ParagraphBlock {
	return notionapi.ParagraphBlock{
		BasicBlock: notionapi.BasicBlock{
			Object: notionapi.ObjectTypeBlock,
			Type:   notionapi.BlockTypeParagraph,
		},
		Paragraph: notionapi.Paragraph{RichText: richText(text)},
	}
}

// BulletBlock builds a bulleted list item block.
func BulletBlock(text string) notionapi.BulletedListItemBlock {
	return notionapi.BulletedListItemBlock{
		BasicBlock: notionapi.BasicBlock{
			Object: notionapi.ObjectTypeBlock,
			Type:   notionapi.BlockTypeBulletedListItem,
		},
		BulletedListItem: notionapi.ListItem{RichText: richText(text)},
	}
}

// DividerBlock builds a divider block.
func DividerBlock() notionapi.DividerBlock {
	return notionapi.DividerBlock{
		BasicBlock: notionapi.BasicBlock{
			Object: notionapi.ObjectTypeBlock,
			Type:   notionapi.BlockTypeDivider,
		},
		Divider: notionapi.Divider{},
	}
}

func richText(text string) []notionapi.RichText {
	// Notion rejects rich text runs over 2000 characters.
	const maxRun = 2000
	if len(text) > maxRun {
		text = text[:maxRun]
	}
	return []notionapi.RichText{
		{Type: notionapi.ObjectTypeText, Text: &notionapi.Text{Content: text}},
	}
}
