package gradesync

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const poxEnvelope = `<?xml version = "1.0" encoding = "UTF-8"?>
<imsx_POXEnvelopeRequest xmlns = "http://www.imsglobal.org/services/ltiv1p1/xsd/imsoms_v1p0">
  <imsx_POXHeader>
    <imsx_POXRequestHeaderInfo>
      <imsx_version>V1.0</imsx_version>
      <imsx_messageIdentifier>%d</imsx_messageIdentifier>
    </imsx_POXRequestHeaderInfo>
  </imsx_POXHeader>
  <imsx_POXBody>
    <replaceResultRequest>
      <resultRecord>
        <sourcedGUID>
          <sourcedId>%s</sourcedId>
        </sourcedGUID>
        <result>
          <resultScore>
            <language>en-us</language>
            <textString>%s</textString>
          </resultScore>
        </result>
      </resultRecord>
    </replaceResultRequest>
  </imsx_POXBody>
</imsx_POXEnvelopeRequest>`

var xmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// BuildReplaceResult renders the IMS POX replaceResult envelope carrying a
// normalized 0.0-1.0 grade for one sourced id.
func BuildReplaceResult(sourceID string, grade float64, now time.Time) string {
	return fmt.Sprintf(poxEnvelope, now.Unix(), xmlEscaper.Replace(sourceID),
		strconv.FormatFloat(grade, 'f', -1, 64))
}

// IsSuccess applies the deliberately loose delivery check: any
// case-insensitive "success" substring in the response body counts.
// Consumers vary too much for strict XML-path parsing to be safe.
func IsSuccess(response string) bool {
	return strings.Contains(strings.ToLower(response), "success")
}
