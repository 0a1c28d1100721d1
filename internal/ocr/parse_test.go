package ocr

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("parseFieldsJSON", func() {
	var (
		text   string
		fields []Field
		err    error
	)

	JustBeforeEach(func() {
		fields, err = parseFieldsJSON(text)
	})

	When("the response is a plain JSON array", func() {
		BeforeEach(func() {
			text = `[{"type":"total_amount","text_value":"$12.50","normalized_value":"12.50","confidence":0.99}]`
		})

		It("should not return an error", func() {
			Expect(err).NotTo(HaveOccurred())
		})

		It("should parse the fields", func() {
			Expect(fields).To(HaveLen(1))
			Expect(fields[0].Type).To(Equal("total_amount"))
			Expect(fields[0].NormalizedValue).To(Equal("12.50"))
			Expect(fields[0].Confidence).To(Equal(0.99))
		})
	})

	When("the response is wrapped in markdown fences", func() {
		BeforeEach(func() {
			text = "```json\n[{\"type\":\"supplier_name\",\"text_value\":\"ACME\",\"confidence\":0.8}]\n```"
		})

		It("should not return an error", func() {
			Expect(err).NotTo(HaveOccurred())
		})

		It("should parse the fields", func() {
			Expect(fields).To(HaveLen(1))
			Expect(fields[0].Type).To(Equal("supplier_name"))
		})
	})

	When("the array is surrounded by prose", func() {
		BeforeEach(func() {
			text = `Here are the extracted fields: [{"type":"receipt_date","text_value":"2024-01-15","confidence":0.9}] Let me know if you need more.`
		})

		It("should recover the array", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(fields).To(HaveLen(1))
		})
	})

	When("confidence values are out of range", func() {
		BeforeEach(func() {
			text = `[{"type":"a","confidence":1.5},{"type":"b","confidence":-0.2}]`
		})

		It("should clamp them to [0, 1]", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(fields[0].Confidence).To(Equal(1.0))
			Expect(fields[1].Confidence).To(Equal(0.0))
		})
	})

	When("field types carry whitespace", func() {
		BeforeEach(func() {
			text = `[{"type":" total_amount ","confidence":0.9}]`
		})

		It("should trim them", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(fields[0].Type).To(Equal("total_amount"))
		})
	})

	When("the response contains no array", func() {
		BeforeEach(func() {
			text = "I could not read the image."
		})

		It("returns an error", func() {
			Expect(err).To(HaveOccurred())
		})
	})

	When("the array is malformed", func() {
		BeforeEach(func() {
			text = `[{"type":"a","confidence":]`
		})

		It("returns an error", func() {
			Expect(err).To(HaveOccurred())
		})
	})
})
