package device

// imeiLength is the number of digits in an IMEI including the check digit.
const imeiLength = 15

// ValidateIMEI checks that imei is 15 decimal digits with a valid Luhn check digit.
func ValidateIMEI(imei string) error {
	if len(imei) != imeiLength {
		return ErrInvalidImeiFormat
	}

	sum := 0
	for i := 0; i < imeiLength; i++ {
		c := imei[i]
		if c < '0' || c > '9' {
			return ErrInvalidImeiFormat
		}
		d := int(c - '0')
		// Every second digit counting from the left, starting at index 1, is doubled.
		if i%2 == 1 {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
	}

	if sum%10 != 0 {
		return ErrInvalidImeiFormat
	}
	return nil
}
