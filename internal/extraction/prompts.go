package extraction

import "fmt"

const extractPromptTemplate = `You are extracting recipes from a cookbook that has been converted to text.

Extract every complete recipe from the content below. For each recipe capture the
title, any introductory description, the full ingredient list, the full method, the
yield, keywords describing the dish, and the relative path of the recipe's image if
one is referenced near the recipe text.

Rules:
- Copy ingredient lines and instruction steps verbatim. Do not paraphrase,
  summarize, or merge steps.
- Only include recipes that have both ingredients and instructions. Skip menu
  listings, variations without a method, and cross references.
- If the same recipe appears twice, include it once.
- Use null for the image when no image is associated with the recipe.
- Return ONLY a JSON array conforming to this schema, with no surrounding prose:

%s

%sContent:

%s`

const forceImagesNote = `This book is known to contain recipe images. Search the
markup carefully for <img> tags, figure captions, and file references near each
recipe, and populate the image field whenever a plausible reference exists.

`

const imageProbePromptTemplate = `Analyse this sample of HTML content from an EPUB cookbook.

The book contains recipes, and some or all of them may have an accompanying
image. The images may live in separate chapter files away from the recipe text,
so being in the same file cannot be relied on to match an image to its recipe.
Determine whether images can be reliably matched to their recipes using nearby
text, captions, or other clues in the HTML.

Look for:
- <figcaption> tags naming the dish an image shows
- <img> tags with the dish name close by, especially when the image and the
  text are the only things on the page
- file naming patterns shared between image chapters and recipe chapters
- any other clue that ties an image to a recipe

Answer with exactly one word: "yes" if images can be reliably matched, "no"
otherwise.

Sample content:

%s`

func buildExtractPrompt(content string, forceImages bool) string {
	note := ""
	if forceImages {
		note = forceImagesNote
	}
	return fmt.Sprintf(extractPromptTemplate, string(RecipeSchemaJSON()), note, content)
}

func buildImageProbePrompt(sampleContent string) string {
	return fmt.Sprintf(imageProbePromptTemplate, sampleContent)
}
